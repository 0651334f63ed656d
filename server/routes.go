// Package server serves whisper transcriptions over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmorganca/whisper/api"
	"github.com/jmorganca/whisper/envconfig"
	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/mel"
	"github.com/jmorganca/whisper/ml"
	"github.com/jmorganca/whisper/model"
	"github.com/jmorganca/whisper/model/whisper"
	"github.com/jmorganca/whisper/runner/whisperrunner"
	"github.com/jmorganca/whisper/version"
)

var mode string = gin.DebugMode

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

type Server struct {
	addr  net.Addr
	sched *Scheduler
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Whisper is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Whisper is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/transcribe", s.TranscribeHandler)
	r.POST("/api/show", s.ShowHandler)

	return r
}

// runnerError writes the status matching a scheduler error
func runnerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidModelName):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errModelNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) TranscribeHandler(c *gin.Context) {
	checkpointStart := time.Now()

	var req api.TranscribeRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Features) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "features are required"})
		return
	}

	features, err := mel.Decode(bytes.NewReader(req.Features), mel.FormatCBOR, 0)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := whisperrunner.DefaultOptions()
	if kvType := envconfig.KVCacheType(); kvType != "" {
		opts.KVCacheType = kvType
	}

	if err := opts.FromMap(req.Options); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := s.sched.GetRunner(req.Model)
	if err != nil {
		runnerError(c, err)
		return
	}

	resp, err := r.Transcribe(c.Request.Context(), whisperrunner.Request{Features: features, Options: opts})
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("transcription cancelled", "model", req.Model)
		c.Abort()
		return
	case errors.Is(err, whisper.ErrInputShape), errors.Is(err, mel.ErrInvalidFeatures):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := api.TranscribeResponse{
		ID:         resp.ID.String(),
		Model:      req.Model,
		CreatedAt:  time.Now().UTC(),
		Text:       resp.Text,
		Tokens:     resp.Tokens,
		Probs:      resp.Probs,
		DoneReason: resp.DoneReason.String(),
		Metrics: api.Metrics{
			TotalDuration:        time.Since(checkpointStart),
			EncodeDuration:       resp.Stats.EncodeDuration,
			DecodeCount:          resp.Stats.DecodeTokens,
			DecodeDuration:       resp.Stats.DecodeDuration,
			PrefillCount:         resp.Stats.PrefillTokens,
			PrefillDuration:      resp.Stats.PrefillDuration,
			TokensPerSecond:      resp.Stats.TokensPerSecond(),
			SelfAttentionKVCache: opts.KVCacheType,
		},
	}

	if q := r.Quantization(); q != nil {
		out.QuantizationPreset = q.Name()
	}

	c.JSON(http.StatusOK, out)
}

// large tokenizer tables only appear in verbose output
var verboseKeys = []string{"tokenizer.ggml.tokens", "tokenizer.ggml.token_type", "tokenizer.ggml.merges"}

func (s *Server) ShowHandler(c *gin.Context) {
	var req api.ShowRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := s.sched.GetRunner(req.Model)
	if err != nil {
		runnerError(c, err)
		return
	}

	c.JSON(http.StatusOK, show(req, r))
}

func show(req api.ShowRequest, r *whisperrunner.Runner) api.ShowResponse {
	kv := r.Model().Backend().Config()

	resp := api.ShowResponse{
		Model:        req.Model,
		Architecture: kv.Architecture(),
		Config:       make(map[string]any, kv.Len()),
	}

	for _, k := range kv.Keys() {
		if !req.Verbose && slices.Contains(verboseKeys, k) {
			continue
		}

		resp.Config[strings.TrimPrefix(k, kv.Architecture()+".")] = kv.Value(k)
	}

	if q := r.Quantization(); q != nil {
		resp.Quantization = q.Name()
	}

	// tied parameters share a tensor and count once
	seen := make(map[ml.Tensor]bool)
	for _, p := range model.Parameters(r.Model()) {
		shape := p.Tensor.Shape()
		if !seen[p.Tensor] {
			seen[p.Tensor] = true
			n := uint64(1)
			for _, d := range shape {
				n *= uint64(d)
			}
			resp.ParamCount += n
		}

		if req.Verbose {
			resp.Parameters = append(resp.Parameters, api.Parameter{
				Name:  p.Name,
				Shape: shape,
				DType: p.Tensor.DType().String(),
			})
		}
	}

	slices.SortFunc(resp.Parameters, func(a, b api.Parameter) int {
		return strings.Compare(a.Name, b.Name)
	})

	return resp
}

func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.New(os.Stderr, envconfig.LogLevel(), envconfig.LogFormat()))
	slog.Info("server config", "env", envconfig.Values())

	s := &Server{addr: ln.Addr(), sched: NewScheduler(loadFromModels)}
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	// listen for a ctrl+c and unload any loaded model
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err := srvr.Serve(ln)
	s.sched.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
