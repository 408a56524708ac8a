// Package pluginproxy spawns a method plugin as a child process and
// speaks its length-delimited JSON wire protocol (spec §6.5): one
// process per authentication session, respawned on demand if it exits
// unexpectedly mid-request.
package pluginproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/logger"
)

// EventKind enumerates the P->C messages a plugin emits (spec §6.5).
type EventKind string

// Recognized event kinds.
const (
	EventResult        EventKind = "result"
	EventStore         EventKind = "store"
	EventUIRequest     EventKind = "ui_request"
	EventRefreshRequest EventKind = "refresh_request"
	EventError         EventKind = "error"
	EventStateChanged  EventKind = "state_changed"
	EventTypeReply     EventKind = "type_reply"
	EventMechanismsReply EventKind = "mechanisms_reply"
)

// Event is one decoded plugin message.
type Event struct {
	Kind EventKind
	Data map[string]any // result/store/ui_request/refresh_request payload

	// error / state_changed fields.
	Code    int
	Message string

	// type_reply / mechanisms_reply fields.
	Type        string
	Mechanisms  []string
}

// Proxy manages one plugin subprocess for a given method name.
type Proxy struct {
	method string
	path   string
	ctx    context.Context

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	closed bool
}

// New spawns the plugin executable at path for method and starts reading
// its event stream. Failure to spawn fails construction (spec §4.3:
// "failure to load the plugin fails construction"). ctx also governs any
// later respawn, so it should live as long as the session that owns this
// proxy.
func New(ctx context.Context, method, path string) (*Proxy, error) {
	p := &Proxy{method: method, path: path, ctx: ctx, events: make(chan Event, 16)}
	if err := p.spawn(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.New(errors.InternalServer, fmt.Sprintf("plugin stdin: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.New(errors.InternalServer, fmt.Sprintf("plugin stdout: %v", err))
	}
	if err := cmd.Start(); err != nil {
		return errors.New(errors.MethodNotAvailable, fmt.Sprintf("spawn plugin %q: %v", p.method, err))
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()

	go p.readLoop(bufio.NewReader(stdout))
	return nil
}

// respawn restarts the plugin process after an unexpected exit, governed
// by an exponential backoff so a crash-looping plugin doesn't spin the
// daemon (spec §6.5 exit behavior: "the plugin is then respawned on
// demand"). It is invoked lazily from send, the first time a caller
// tries to use the proxy after the plugin has died.
func (p *Proxy) respawn() error {
	_, err := backoff.Retry(p.ctx, func() (struct{}, error) {
		return struct{}{}, p.spawn(p.ctx)
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

func (p *Proxy) readLoop(r *bufio.Reader) {
	for {
		raw, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				logger.Log.Debugw("plugin read error", "method", p.method, "error", err)
			}
			p.emitExit()
			return
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			logger.Log.Warnw("dropping malformed plugin message", "method", p.method, "error", err)
			continue
		}
		p.events <- ev
	}
}

// emitExit synthesizes an error event for the request that was in flight
// when the plugin exited unexpectedly (spec §6.5 exit behavior), and
// clears stdin so the next send knows to respawn rather than write to a
// dead pipe.
func (p *Proxy) emitExit() {
	p.mu.Lock()
	closed := p.closed
	p.stdin = nil
	p.mu.Unlock()
	if closed {
		return
	}
	p.events <- Event{Kind: EventError, Code: int(errors.InternalCommunication), Message: "plugin exited unexpectedly"}
}

func decodeEvent(raw []byte) (Event, error) {
	parsed := gjson.ParseBytes(raw)
	kind := EventKind(parsed.Get("type").String())

	switch kind {
	case EventResult, EventStore, EventUIRequest, EventRefreshRequest:
		var data map[string]any
		if err := json.Unmarshal([]byte(parsed.Get("data").Raw), &data); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return Event{Kind: kind, Data: data}, nil
	case EventError, EventStateChanged:
		return Event{
			Kind:    kind,
			Code:    int(parsed.Get("code").Int()),
			Message: parsed.Get("message").String(),
		}, nil
	case EventTypeReply:
		return Event{Kind: kind, Type: parsed.Get("value").String()}, nil
	case EventMechanismsReply:
		var mechs []string
		for _, v := range parsed.Get("value").Array() {
			mechs = append(mechs, v.String())
		}
		return Event{Kind: kind, Mechanisms: mechs}, nil
	default:
		return Event{}, fmt.Errorf("unrecognized plugin message type %q", kind)
	}
}

// Events returns the channel of decoded plugin messages.
func (p *Proxy) Events() <-chan Event { return p.events }

// send writes msg to the plugin's stdin, respawning the process first if
// it has exited since the last send (spec §6.5: "the plugin is then
// respawned on demand").
func (p *Proxy) send(msg map[string]any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New(errors.InternalCommunication, "plugin proxy is closed")
	}

	if err := p.writeToStdin(payload); err != nil {
		if respawnErr := p.respawn(); respawnErr != nil {
			return errors.New(errors.InternalCommunication, fmt.Sprintf("plugin process unavailable: %v", respawnErr))
		}
		return p.writeToStdin(payload)
	}
	return nil
}

func (p *Proxy) writeToStdin(payload []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return errors.New(errors.InternalCommunication, "plugin process is not running")
	}
	return writeFrame(stdin, payload)
}

// Process sends a process(params, mechanism) request (spec §6.5).
func (p *Proxy) Process(params map[string]any, mechanism string) error {
	return p.send(map[string]any{"type": "process", "params": params, "mechanism": mechanism})
}

// ProcessUI feeds a query_dialog reply back into the plugin.
func (p *Proxy) ProcessUI(reply map[string]any) error {
	return p.send(map[string]any{"type": "process_ui", "reply": reply})
}

// ProcessRefresh feeds a refresh_dialog reply back into the plugin.
func (p *Proxy) ProcessRefresh(reply map[string]any) error {
	return p.send(map[string]any{"type": "process_refresh", "reply": reply})
}

// Cancel asks the plugin to cancel its in-flight request.
func (p *Proxy) Cancel() error {
	return p.send(map[string]any{"type": "cancel"})
}

// QueryMechanisms asks the plugin which mechanisms it supports.
func (p *Proxy) QueryMechanisms() error {
	return p.send(map[string]any{"type": "mechanisms"})
}

// Close terminates the plugin process.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}
