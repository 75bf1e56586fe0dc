package collective

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/injadlu/dama/dama-golib/logging"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

// Coordinator is the HTTP meeting point of the ranks of a multi-process
// group. Ranks connect to it with Dial.
type Coordinator struct {
	rv     *rendezvous
	logger *zap.Logger
}

// NewCoordinator returns a coordinator for a group of world ranks.
func NewCoordinator(world int, logger *zap.Logger) (*Coordinator, error) {
	if world < 1 {
		return nil, errors.Errorf("world size must be positive, got %d", world)
	}
	return &Coordinator{
		rv:     newRendezvous(world),
		logger: logging.OrNop(logger),
	}, nil
}

// HandleExchange blocks until every rank contributed to the call named in
// the URL, then replies with all contributions.
func (c *Coordinator) HandleExchange(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad sequence number: %v", err), http.StatusBadRequest)
		return
	}

	var req ExchangeRequest
	if err := decode(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payloads, err := c.rv.exchange(r.Context(), seq, req.Rank, req.Payload)
	if err != nil {
		if r.Context().Err() != nil {
			c.logger.Warn("rank left before the call completed",
				zap.Int("rank", req.Rank), zap.Uint64("seq", seq), zap.Error(err))
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, ExchangeResponse{Payloads: payloads})
}

// HandleStatus reports the world size and the calls in flight.
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		WorldSize: c.rv.world,
		Pending:   c.rv.pending(),
	})
}

// Handler returns the HTTP handler serving the coordinator API.
func (c *Coordinator) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/collective/{seq:[0-9]+}", c.HandleExchange).Methods("POST")
	r.HandleFunc("/api/status", c.HandleStatus).Methods("GET")

	return negroni.New(
		negroni.NewRecovery(),
		negroni.HandlerFunc(c.logRequest),
		negroni.Wrap(r),
	)
}

// ListenAndServe serves the coordinator on addr until ctx is done.
func (c *Coordinator) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: c.Handler()}

	errc := make(chan error, 1)
	go func() {
		c.logger.Info("coordinator listening", zap.String("addr", addr), zap.Int("world_size", c.rv.world))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrapf(err, "coordinator could not serve on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (c *Coordinator) logRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(rw, r)

	status := 0
	if nrw, ok := rw.(negroni.ResponseWriter); ok {
		status = nrw.Status()
	}
	c.logger.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)))
}

func decode(r io.Reader, v interface{}) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.Errorf("json decode error: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("error marshaling JSON: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf)
}
