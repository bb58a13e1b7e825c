// Package rpc exposes the operator surface of the daemon as a JSON-RPC 2.0
// endpoint behind basic auth. Methods are thin wrappers over the coordinator
// and the store.
package rpc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fusionbridge/fusiond/pkg/coordinator"
	"github.com/fusionbridge/fusiond/pkg/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Method interface {
	Name() string
	Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Error codes
const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeInvalidRequest    = -32600
	ErrorMessageInvalidRequest = "Invalid Request"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{
		Version: "2.0",
		ID:      id,
		Result:  result,
		Error:   err,
	}
}

func NewError(code int, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

type Options struct {
	Port        int
	User        string
	Password    string
	CORSOrigins []string
}

type Server struct {
	logger      *zap.Logger
	opts        Options
	coordinator *coordinator.Coordinator
	storage     store.Store
	commands    map[string]Method
	authsha     [sha256.Size]byte
}

func NewServer(logger *zap.Logger, opts Options, coord *coordinator.Coordinator, storage store.Store) (*Server, error) {
	if opts.User == "" || opts.Password == "" {
		return nil, fmt.Errorf("rpc username and password must be specified")
	}
	login := opts.User + ":" + opts.Password
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(login))

	s := &Server{
		logger:      logger,
		opts:        opts,
		coordinator: coord,
		storage:     storage,
		commands:    map[string]Method{},
		authsha:     sha256.Sum256([]byte(auth)),
	}
	for _, m := range s.methods() {
		s.AddCommand(m)
	}
	return s, nil
}

func (s *Server) AddCommand(cmd Method) {
	s.commands[cmd.Name()] = cmd
}

func (s *Server) HandleJSONRPC(ctx *gin.Context) {
	req := Request{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
		return
	}

	cmd, ok := s.commands[req.Method]
	if !ok {
		ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, "")))
		return
	}

	result, err := cmd.Query(ctx.Request.Context(), req.Params)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, NewResponse(req.ID, nil, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())))
		return
	}

	ctx.JSON(http.StatusOK, NewResponse(req.ID, result, nil))
}

func (s *Server) authenticateUser(ctx *gin.Context) {
	authhdr := ctx.GetHeader("Authorization")
	if len(authhdr) <= 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
	authsha := sha256.Sum256([]byte(authhdr))
	cmp := subtle.ConstantTimeCompare(authsha[:], s.authsha[:])
	if cmp != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
}

// Run blocks serving the endpoint until the listener fails or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(s.opts.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = s.opts.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		engine.Use(cors.New(corsCfg))
	}

	authRoutes := engine.Group("/")
	authRoutes.Use(s.authenticateUser)
	authRoutes.POST("/", s.HandleJSONRPC)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", s.opts.Port),
		Handler: engine,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	s.logger.Info("rpc server listening", zap.Int("port", s.opts.Port))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
