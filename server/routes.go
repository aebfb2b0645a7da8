// Package server exposes tokenizer resolution and constraint compilation
// over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ollama/structured/api"
	"github.com/ollama/structured/cache"
	"github.com/ollama/structured/envconfig"
	"github.com/ollama/structured/grammar"
	"github.com/ollama/structured/grammar/jsonschema"
	"github.com/ollama/structured/logutil"
	"github.com/ollama/structured/registry"
	"github.com/ollama/structured/sample"
	"github.com/ollama/structured/vocab"
)

// maxVocabularies is the number of loaded vocabularies kept in memory.
const maxVocabularies = 8

type Server struct {
	registry    *registry.Registry
	loader      vocab.Loader
	constraints *cache.Cache

	vocabs *lru.Cache[string, *vocab.Vocabulary]
	group  singleflight.Group
}

// New returns a server that resolves tokenizers with reg, loads them with
// loader and keeps compiled constraints in c.
func New(reg *registry.Registry, loader vocab.Loader, c *cache.Cache) (*Server, error) {
	vocabs, err := lru.New[string, *vocab.Vocabulary](maxVocabularies)
	if err != nil {
		return nil, err
	}
	return &Server{registry: reg, loader: loader, constraints: c, vocabs: vocabs}, nil
}

// vocabulary loads the tokenizer id once, sharing concurrent loads.
func (s *Server) vocabulary(ctx context.Context, id string) (*vocab.Vocabulary, error) {
	if v, ok := s.vocabs.Get(id); ok {
		return v, nil
	}

	ch := s.group.DoChan(id, func() (any, error) {
		if v, ok := s.vocabs.Get(id); ok {
			return v, nil
		}

		v, err := s.loader.Load(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded tokenizer", "tokenizer", id, "encoding", v.Encoding(), "size", v.Size())
		s.vocabs.Add(id, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*vocab.Vocabulary), nil
	}
}

// loadError maps a failure to load a tokenizer to a response status.
func loadError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("tokenizer %q not found", id)})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// compileError maps a failure to compile a constraint to a response status.
func compileError(c *gin.Context, err error) {
	var (
		syntax    *json.SyntaxError
		wrongType *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, jsonschema.ErrUnsupportedSchema),
		errors.Is(err, jsonschema.ErrInvalidSchema),
		errors.Is(err, grammar.ErrInvalidPattern),
		errors.As(err, &syntax),
		errors.As(err, &wrongType):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// tokenizer resolves the tokenizer for a request naming a model, a
// tokenizer or both.
func (s *Server) tokenizer(c *gin.Context, model, tokenizer string) (string, bool) {
	if strings.TrimSpace(model) == "" && strings.TrimSpace(tokenizer) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model or tokenizer is required"})
		return "", false
	}

	id, err := s.registry.ResolveOr(model, tokenizer)
	if errors.Is(err, registry.ErrUnresolvedTokenizer) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

// constraint resolves, loads and compiles a schema or a pattern, writing the
// error response on failure.
func (s *Server) constraint(c *gin.Context, model, tokenizer string, schema json.RawMessage, regex string) (string, *grammar.Automaton, bool) {
	hasSchema := len(schema) > 0 && !bytes.Equal(bytes.TrimSpace(schema), []byte("null"))
	switch {
	case hasSchema && regex != "":
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "schema and regex are mutually exclusive"})
		return "", nil, false
	case !hasSchema && regex == "":
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "schema or regex is required"})
		return "", nil, false
	}

	id, ok := s.tokenizer(c, model, tokenizer)
	if !ok {
		return "", nil, false
	}

	v, err := s.vocabulary(c.Request.Context(), id)
	if err != nil {
		loadError(c, id, err)
		return "", nil, false
	}

	var a *grammar.Automaton
	if regex != "" {
		a, err = s.constraints.GetOrCompileRegex(c.Request.Context(), id, regex, v)
	} else {
		a, err = s.constraints.GetOrCompile(c.Request.Context(), id, schema, v)
	}
	if err != nil {
		compileError(c, err)
		return "", nil, false
	}
	return id, a, true
}

func (s *Server) ResolveHandler(c *gin.Context) {
	var req api.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, ok := s.tokenizer(c, req.Model, req.Tokenizer)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, api.ResolveResponse{Model: req.Model, Tokenizer: id})
}

func (s *Server) ConstraintHandler(c *gin.Context) {
	var req api.ConstraintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, a, ok := s.constraint(c, req.Model, req.Tokenizer, req.Schema, req.Regex)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, api.ConstraintResponse{Tokenizer: id, Stats: a.Stats()})
}

func (s *Server) CheckHandler(c *gin.Context) {
	var req api.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, a, ok := s.constraint(c, req.Model, req.Tokenizer, req.Schema, req.Regex)
	if !ok {
		return
	}

	ids, err := a.Vocabulary().EncodeOutput(req.Text)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := Replay(a, ids)
	resp.Tokenizer = id
	c.JSON(http.StatusOK, resp)
}

// Replay feeds ids through a constrained session one forced token at a
// time, then offers the stop tokens once the whole sequence is consumed.
func Replay(a *grammar.Automaton, ids []int32) api.CheckResponse {
	s := sample.NewSession(a)
	logits := make([]float32, a.Vocabulary().Size())
	force := func(allow ...int32) error {
		for i := range logits {
			logits[i] = float32(math.Inf(-1))
		}
		for _, id := range allow {
			logits[id] = 0
		}
		_, err := s.Step(logits)
		return err
	}

	resp := api.CheckResponse{Total: len(ids)}
	for _, id := range ids {
		if s.Status().Done() {
			resp.Error = fmt.Sprintf("trailing text after %d tokens", resp.Tokens)
			resp.Status = sample.Failed.String()
			return resp
		}

		if err := force(id); err != nil {
			resp.Error = err.Error()
			resp.Status = s.Status().String()
			return resp
		}
		resp.Tokens++
	}

	if stops := a.StopTokens(); s.Status() == sample.Open && len(stops) > 0 {
		// a rejected stop leaves the text as a valid prefix
		if err := force(stops...); err != nil && !errors.Is(err, sample.ErrNoValidTokens) {
			resp.Error = err.Error()
		}
		if s.Status() == sample.Failed {
			resp.Status = sample.Open.String()
			return resp
		}
	}

	resp.Status = s.Status().String()
	return resp
}

// requestID tags each request with an id, echoed in the X-Request-Id
// header and attached to the request's log lines.
func requestID(c *gin.Context) {
	id := c.GetHeader("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-Id", id)
	c.Next()

	if c.Writer.Status() >= http.StatusBadRequest {
		slog.Debug("request failed", "id", id, "path", c.Request.URL.Path, "status", c.Writer.Status(), "errors", c.Errors.String())
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
		"X-Request-Id",
	}
	corsConfig.ExposeHeaders = []string{"X-Request-Id"}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		requestID,
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "structured is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "structured is running") })

	r.POST("/api/resolve", s.ResolveHandler)
	r.POST("/api/constraint", s.ConstraintHandler)
	r.POST("/api/check", s.CheckHandler)

	r.GET("/api/families", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"families": s.registry.Families()})
	})

	return r
}

// Serve builds a server from the environment and serves it on ln.
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	reg := registry.Default()
	if envconfig.TokenizerRules != "" {
		f, err := os.Open(envconfig.TokenizerRules)
		if err != nil {
			return err
		}
		defer f.Close()

		if reg, err = registry.Load(f); err != nil {
			return fmt.Errorf("%s: %w", envconfig.TokenizerRules, err)
		}
	}

	constraints, err := cache.New(envconfig.CacheSize, grammar.WithWhitespace(envconfig.Whitespace))
	if err != nil {
		return err
	}

	s, err := New(reg, vocab.DirLoader{Root: envconfig.Models}, constraints)
	if err != nil {
		return err
	}

	if envconfig.Debug == 0 {
		gin.SetMode(gin.ReleaseMode)
	}

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	slog.Info(fmt.Sprintf("Listening on %s", ln.Addr()), "tokenizers", envconfig.Models, "families", len(reg.Families()))
	return srvr.Serve(ln)
}
