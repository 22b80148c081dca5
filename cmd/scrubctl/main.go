// Command scrubctl is a one-shot CLI client for a running scrubd: it
// issues a single HTTP request against the operator surface §6 names
// (start/progress/info/pause/resume/cancel) and prints the JSON response,
// the thin-client counterpart of the teacher's single-purpose cmd/ublk-mem
// example.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

func main() {
	flag.Usage = usage
	server := flag.String("server", "http://127.0.0.1:8090", "scrubd base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var (
		out []byte
		err error
	)
	switch args[0] {
	case "start":
		out, err = runStart(*server, args[1:])
	case "progress":
		out, err = runProgress(*server, args[1:])
	case "info":
		out, err = runInfo(*server, args[1:])
	case "pause":
		out, err = runPost(*server+"/pause", nil)
	case "resume":
		out, err = runPost(*server+"/resume", nil)
	case "cancel":
		out, err = runCancel(*server, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scrubctl: %v\n", err)
		os.Exit(1)
	}
	if len(out) > 0 {
		fmt.Println(string(out))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: scrubctl [-server URL] <command> [args]

commands:
  start -device N -start-logical N -end-logical N [-readonly] [-deadline N]
  progress -handle H | -device N
  info -handle H
  pause
  resume
  cancel [-device N]
`)
}

func runStart(server string, args []string) ([]byte, error) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	device := fs.Uint64("device", 0, "device id")
	startLogical := fs.Int64("start-logical", 0, "start logical offset")
	endLogical := fs.Int64("end-logical", 0, "end logical offset (exclusive)")
	readOnly := fs.Bool("readonly", true, "read-only scrub")
	deadline := fs.Int64("deadline", 0, "deadline in seconds (0 disables pacing)")
	fs.Parse(args)

	body := fmt.Sprintf(
		`{"device_id":%d,"start_logical":%d,"end_logical":%d,"read_only":%t,"deadline_secs":%d}`,
		*device, *startLogical, *endLogical, *readOnly, *deadline,
	)
	return runPost(server+"/start", []byte(body))
}

func runProgress(server string, args []string) ([]byte, error) {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	handle := fs.String("handle", "", "scrub_start handle")
	device := fs.String("device", "", "device id")
	fs.Parse(args)

	url := server + "/progress?"
	if *handle != "" {
		url += "handle=" + *handle
	} else {
		url += "device_id=" + *device
	}
	return runGet(url)
}

func runInfo(server string, args []string) ([]byte, error) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	handle := fs.String("handle", "", "scrub_start handle")
	fs.Parse(args)
	return runGet(server + "/info?handle=" + *handle)
}

func runCancel(server string, args []string) ([]byte, error) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	device := fs.String("device", "", "device id (omit to cancel every device)")
	fs.Parse(args)

	url := server + "/cancel"
	if *device != "" {
		url += "?device_id=" + *device
	}
	return runPost(url, nil)
}

func runGet(url string) ([]byte, error) {
	statusCode, body, err := fasthttp.Get(nil, url)
	if err != nil {
		return nil, err
	}
	return checkStatus(statusCode, body)
}

func runPost(url string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := fasthttp.Do(req, resp); err != nil {
		return nil, err
	}
	return checkStatus(resp.StatusCode(), resp.Body())
}

func checkStatus(statusCode int, body []byte) ([]byte, error) {
	if statusCode >= 200 && statusCode < 300 {
		return body, nil
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = strconv.Itoa(statusCode)
	}
	return nil, fmt.Errorf("server returned %d: %s", statusCode, msg)
}
