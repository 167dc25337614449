package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/domain"
)

// Kurento speaks the gateway's JSON-RPC 2.0 protocol over a single websocket:
// create/invoke/subscribe/release requests correlated by id, plus onEvent
// notifications carrying discovered ICE candidates.
type Kurento struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	pending   map[string]chan rpcResponse
	subs      map[domain.EndpointID][]*iceSub
	closed    bool
	done      chan struct{}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway rpc error %d: %s", e.Code, e.Message)
}

type rpcResult struct {
	Value     string `json:"value"`
	SessionID string `json:"sessionId"`
}

type iceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type iceSub struct {
	fn       func(webrtc.ICECandidateInit)
	owner    *Kurento
	endpoint domain.EndpointID
}

func (s *iceSub) Cancel() {
	k := s.owner
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.subs[s.endpoint]
	for i, x := range list {
		if x == s {
			k.subs[s.endpoint] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(k.subs[s.endpoint]) == 0 {
		delete(k.subs, s.endpoint)
	}
}

// Dial connects to the gateway control socket. timeout bounds every RPC
// round trip made through the returned client.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Kurento, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", url, err)
	}
	k := &Kurento{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan rpcResponse),
		subs:    make(map[domain.EndpointID][]*iceSub),
		done:    make(chan struct{}),
	}
	go k.readLoop()
	log.Info().Str("module", "gateway").Str("url", url).Msg("connected to media gateway")
	return k, nil
}

func (k *Kurento) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	close(k.done)
	k.mu.Unlock()
	_ = k.conn.Close()
}

func (k *Kurento) readLoop() {
	defer k.Close()
	for {
		_, data, err := k.conn.ReadMessage()
		if err != nil {
			k.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warn().Str("module", "gateway").Err(err).Msg("bad frame from gateway")
			continue
		}
		if resp.Method == "onEvent" {
			k.dispatchEvent(resp.Params)
			continue
		}
		k.mu.Lock()
		ch, ok := k.pending[resp.ID]
		if ok {
			delete(k.pending, resp.ID)
		}
		k.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (k *Kurento) failPending(err error) {
	k.mu.Lock()
	pending := k.pending
	k.pending = make(map[string]chan rpcResponse)
	k.mu.Unlock()
	if len(pending) > 0 {
		log.Warn().Str("module", "gateway").Err(err).Int("in_flight", len(pending)).Msg("gateway socket closed")
	}
	for id, ch := range pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: "connection closed"}}
	}
}

type eventParams struct {
	Object string `json:"object"`
	Type   string `json:"type"`
	Value  struct {
		Object string `json:"object"`
		Type   string `json:"type"`
		Data   struct {
			Candidate iceCandidate `json:"candidate"`
		} `json:"data"`
	} `json:"value"`
}

func (k *Kurento) dispatchEvent(raw json.RawMessage) {
	var ev eventParams
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warn().Str("module", "gateway").Err(err).Msg("bad event from gateway")
		return
	}
	object, kind := ev.Value.Object, ev.Value.Type
	if object == "" {
		object, kind = ev.Object, ev.Type
	}
	if kind != "IceCandidateFound" && kind != "OnIceCandidate" {
		return
	}
	cand := ev.Value.Data.Candidate
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	k.mu.Lock()
	subs := append([]*iceSub(nil), k.subs[domain.EndpointID(object)]...)
	k.mu.Unlock()
	for _, s := range subs {
		s.fn(init)
	}
}

func (k *Kurento) call(ctx context.Context, method string, params map[string]any) (*rpcResult, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	if k.sessionID != "" {
		params["sessionId"] = k.sessionID
	}
	id := uuid.NewString()
	ch := make(chan rpcResponse, 1)
	k.pending[id] = ch
	k.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	k.writeMu.Lock()
	err := k.conn.WriteJSON(req)
	k.writeMu.Unlock()
	if err != nil {
		k.mu.Lock()
		delete(k.pending, id)
		k.mu.Unlock()
		return nil, fmt.Errorf("gateway %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		k.mu.Lock()
		delete(k.pending, id)
		k.mu.Unlock()
		return nil, fmt.Errorf("gateway %s: %w", method, ctx.Err())
	case <-k.done:
		return nil, ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("gateway %s: %w", method, resp.Error)
		}
		var res rpcResult
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &res); err != nil {
				return nil, fmt.Errorf("gateway %s: bad result: %w", method, err)
			}
		}
		if res.SessionID != "" {
			k.mu.Lock()
			k.sessionID = res.SessionID
			k.mu.Unlock()
		}
		return &res, nil
	}
}

func (k *Kurento) CreatePipeline(ctx context.Context) (domain.PipelineID, error) {
	res, err := k.call(ctx, "create", map[string]any{"type": "MediaPipeline"})
	if err != nil {
		return "", err
	}
	return domain.PipelineID(res.Value), nil
}

func (k *Kurento) ReleasePipeline(ctx context.Context, pipeline domain.PipelineID) error {
	_, err := k.call(ctx, "release", map[string]any{"object": string(pipeline)})
	return err
}

func (k *Kurento) CreateEndpoint(ctx context.Context, pipeline domain.PipelineID) (domain.EndpointID, error) {
	res, err := k.call(ctx, "create", map[string]any{
		"type": "WebRtcEndpoint",
		"constructorParams": map[string]any{
			"mediaPipeline": string(pipeline),
		},
	})
	if err != nil {
		return "", err
	}
	return domain.EndpointID(res.Value), nil
}

func (k *Kurento) ReleaseEndpoint(ctx context.Context, endpoint domain.EndpointID) error {
	_, err := k.call(ctx, "release", map[string]any{"object": string(endpoint)})
	return err
}

func (k *Kurento) Connect(ctx context.Context, src, dst domain.EndpointID) error {
	_, err := k.call(ctx, "invoke", map[string]any{
		"object":          string(src),
		"operation":       "connect",
		"operationParams": map[string]any{"sink": string(dst)},
	})
	return err
}

func (k *Kurento) ProcessOffer(ctx context.Context, endpoint domain.EndpointID, offerSDP string) (string, error) {
	res, err := k.call(ctx, "invoke", map[string]any{
		"object":          string(endpoint),
		"operation":       "processOffer",
		"operationParams": map[string]any{"offer": offerSDP},
	})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

func (k *Kurento) AddICECandidate(ctx context.Context, endpoint domain.EndpointID, candidate webrtc.ICECandidateInit) error {
	cand := iceCandidate{Candidate: candidate.Candidate}
	if candidate.SDPMid != nil {
		cand.SDPMid = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		cand.SDPMLineIndex = *candidate.SDPMLineIndex
	}
	_, err := k.call(ctx, "invoke", map[string]any{
		"object":          string(endpoint),
		"operation":       "addIceCandidate",
		"operationParams": map[string]any{"candidate": cand},
	})
	return err
}

func (k *Kurento) GatherCandidates(ctx context.Context, endpoint domain.EndpointID) error {
	_, err := k.call(ctx, "invoke", map[string]any{
		"object":    string(endpoint),
		"operation": "gatherCandidates",
	})
	return err
}

func (k *Kurento) OnICECandidate(ctx context.Context, endpoint domain.EndpointID, fn func(webrtc.ICECandidateInit)) (Subscription, error) {
	sub := &iceSub{fn: fn, owner: k, endpoint: endpoint}
	k.mu.Lock()
	k.subs[endpoint] = append(k.subs[endpoint], sub)
	k.mu.Unlock()

	// The server-side registration must be live before the caller issues
	// any further operation on this endpoint, or candidates discovered in
	// between would be lost without replay.
	if _, err := k.call(ctx, "subscribe", map[string]any{
		"object": string(endpoint),
		"type":   "IceCandidateFound",
	}); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}
