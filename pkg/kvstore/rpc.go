package kvstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Server is a thin network gateway in front of a RaftStore: every
// gantryd process that runs `run` exposes one, so the one-shot operator
// actions (getconfig, setconfig, list, update, stop, kill) and peer
// nodes joining the cluster don't need to embed a Raft node of their
// own. It always forwards to the local RaftStore, which rejects writes
// with a "not leader" error (naming the current leader) when this node
// is not the leader; the gateway returns that error as-is and does no
// retrying or leader redirection.
type Server struct {
	store *RaftStore
}

// NewServer binds a Server to store.
func NewServer(store *RaftStore) *Server {
	return &Server{store: store}
}

// ListenAndServe blocks serving the gateway's HTTP API on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/kv/get", s.handleGet)
	mux.HandleFunc("/kv/set", s.handleSet)
	mux.HandleFunc("/kv/delete", s.handleDelete)
	mux.HandleFunc("/kv/cas", s.handleCAS)
	mux.HandleFunc("/raft/join", s.handleJoin)
	return http.ListenAndServe(addr, mux)
}

type getRequest struct{ Path string }
type getResponse struct {
	Value string
	Found bool
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	value, found, err := s.store.Get(req.Path)
	if writeErr(w, err) {
		return
	}
	writeJSON(w, getResponse{Value: value, Found: found})
}

type setRequest struct {
	Path       string
	Value      string
	TTLSeconds float64
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds * float64(time.Second))
	err := s.store.Set(req.Path, req.Value, ttl)
	if writeErr(w, err) {
		return
	}
	writeJSON(w, struct{}{})
}

type deleteRequest struct{ Path string }

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if writeErr(w, s.store.Delete(req.Path)) {
		return
	}
	writeJSON(w, struct{}{})
}

type casRequest struct {
	Path         string
	Value        string
	Expected     string
	ExpectAbsent bool
}
type casResponse struct{ Applied bool }

func (s *Server) handleCAS(w http.ResponseWriter, r *http.Request) {
	var req casRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		applied bool
		err     error
	)
	if req.ExpectAbsent {
		applied, err = s.store.CompareAndSetAbsent(req.Path, req.Value)
	} else {
		applied, err = s.store.CompareAndSet(req.Path, req.Value, req.Expected)
	}
	if writeErr(w, err) {
		return
	}
	writeJSON(w, casResponse{Applied: applied})
}

type joinRequest struct {
	NodeID string
	Addr   string
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if writeErr(w, s.store.AddVoter(req.NodeID, req.Addr)) {
		return
	}
	writeJSON(w, struct{}{})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// RemoteClient implements Store by calling a peer's Server gateway over
// HTTP, for the one-shot operator actions that have no Raft node of
// their own.
type RemoteClient struct {
	baseURL string
	client  *http.Client
}

// NewRemoteClient targets the gateway listening at addr (host:port, no
// scheme).
func NewRemoteClient(addr string) *RemoteClient {
	return &RemoteClient{
		baseURL: "http://" + addr,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RemoteClient) call(path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpResp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kvstore: rpc %s: %w", path, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("kvstore: rpc %s: status %s", path, httpResp.Status)
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (c *RemoteClient) Get(path string) (string, bool, error) {
	var resp getResponse
	if err := c.call("/kv/get", getRequest{Path: path}, &resp); err != nil {
		return "", false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *RemoteClient) Set(path, value string, ttl time.Duration) error {
	return c.call("/kv/set", setRequest{Path: path, Value: value, TTLSeconds: ttl.Seconds()}, nil)
}

func (c *RemoteClient) Delete(path string) error {
	return c.call("/kv/delete", deleteRequest{Path: path}, nil)
}

func (c *RemoteClient) CompareAndSet(path, newValue, expectedValue string) (bool, error) {
	var resp casResponse
	err := c.call("/kv/cas", casRequest{Path: path, Value: newValue, Expected: expectedValue}, &resp)
	return resp.Applied, err
}

func (c *RemoteClient) CompareAndSetAbsent(path, newValue string) (bool, error) {
	var resp casResponse
	err := c.call("/kv/cas", casRequest{Path: path, Value: newValue, ExpectAbsent: true}, &resp)
	return resp.Applied, err
}

// Join asks the peer this client targets to add nodeID@raftAddr as a
// Raft voter; only succeeds if that peer currently holds leadership.
func (c *RemoteClient) Join(nodeID, raftAddr string) error {
	return c.call("/raft/join", joinRequest{NodeID: nodeID, Addr: raftAddr}, nil)
}

func (c *RemoteClient) Close() error { return nil }
