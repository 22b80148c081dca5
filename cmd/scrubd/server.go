package main

import (
	"context"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	scrub "github.com/behrlich/btrfs-scrub"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// server exposes the operator HTTP surface §6 names:
// POST /start, GET /progress, GET /info, POST /pause, POST /resume,
// POST /cancel.
type server struct {
	engine *scrub.Engine
}

func (s *server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/start":
		s.handleStart(ctx)
	case "/progress":
		s.handleProgress(ctx)
	case "/info":
		s.handleInfo(ctx)
	case "/pause":
		s.engine.ScrubPause()
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	case "/resume":
		s.engine.ScrubResume()
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	case "/cancel":
		s.handleCancel(ctx)
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

type startRequestBody struct {
	DeviceID     uint64       `json:"device_id"`
	StartLogical int64        `json:"start_logical"`
	EndLogical   int64        `json:"end_logical"`
	ReadOnly     bool         `json:"read_only"`
	DeadlineSecs int64        `json:"deadline_secs"`
	BGFlags      scrub.BGFlag `json:"bg_flags"`
	PoolSize     int          `json:"pool_size"`
}

func (s *server) handleStart(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	var body startRequestBody
	if err := jsonAPI.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	handle, err := s.engine.ScrubStart(context.Background(), scrub.StartRequest{
		DeviceID:     body.DeviceID,
		StartLogical: body.StartLogical,
		EndLogical:   body.EndLogical,
		ReadOnly:     body.ReadOnly,
		DeadlineSecs: body.DeadlineSecs,
		BGFlags:      body.BGFlags,
		PoolSize:     body.PoolSize,
	})
	if err != nil {
		writeError(ctx, fasthttp.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"handle": handle})
}

func (s *server) handleProgress(ctx *fasthttp.RequestCtx) {
	if handle := string(ctx.QueryArgs().Peek("handle")); handle != "" {
		snap, ok := s.engine.ProgressByHandle(handle)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, snap)
		return
	}

	deviceID, ok := queryUint64(ctx, "device_id")
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "require handle or device_id")
		return
	}
	snap, found := s.engine.ScrubProgress(deviceID)
	if !found {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, snap)
}

func (s *server) handleInfo(ctx *fasthttp.RequestCtx) {
	handle := string(ctx.QueryArgs().Peek("handle"))
	if handle == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "require handle")
		return
	}
	info, ok := s.engine.Info(handle)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, info)
}

func (s *server) handleCancel(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	if deviceID, ok := queryUint64(ctx, "device_id"); ok {
		s.engine.ScrubCancel(&deviceID)
	} else {
		s.engine.ScrubCancel(nil)
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func queryUint64(ctx *fasthttp.RequestCtx, key string) (uint64, bool) {
	raw := ctx.QueryArgs().Peek(key)
	if len(raw) == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := jsonAPI.Marshal(v)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
