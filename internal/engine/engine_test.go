package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dokzlo13/shellyd/internal/bridge"
	"github.com/dokzlo13/shellyd/internal/shelly"
)

// fakeClient is a scripted DeviceClient. Set writes are recorded as
// compact strings so tests can assert on order and payload.
type fakeClient struct {
	host string

	mu        sync.Mutex
	status    shelly.Status
	statusErr error
	info      shelly.DeviceInfo
	infoErr   error
	writeErr  error
	writes    []string
	// writeDelay is consulted per write, indexed by write number.
	writeDelay []time.Duration
	// statusGate, when set, blocks GetStatus until closed.
	statusGate chan struct{}
}

func (f *fakeClient) Host() string { return f.host }

func (f *fakeClient) GetStatus(ctx context.Context) (shelly.Status, error) {
	f.mu.Lock()
	gate := f.statusGate
	status, err := f.status, f.statusErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (f *fakeClient) GetDeviceInfo(ctx context.Context) (shelly.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return shelly.DeviceInfo{}, f.infoErr
	}
	return f.info, nil
}

func (f *fakeClient) record(ctx context.Context, entry string) error {
	f.mu.Lock()
	n := len(f.writes)
	var delay time.Duration
	if n < len(f.writeDelay) {
		delay = f.writeDelay[n]
	}
	err := f.writeErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.writes = append(f.writes, entry)
	f.mu.Unlock()
	return nil
}

func fmtFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}

func fmtBool(v *bool) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%v", *v)
}

func (f *fakeClient) SetLight(ctx context.Context, p shelly.LightSetParams) error {
	return f.record(ctx, fmt.Sprintf("light id=%d on=%s bri=%s", p.ID, fmtBool(p.On), fmtFloat(p.Brightness)))
}

func (f *fakeClient) SetRGB(ctx context.Context, p shelly.RGBSetParams) error {
	rgb := "-"
	if p.RGB != nil {
		rgb = fmt.Sprintf("%v", *p.RGB)
	}
	return f.record(ctx, fmt.Sprintf("rgb on=%s bri=%s rgb=%s", fmtBool(p.On), fmtFloat(p.Brightness), rgb))
}

func (f *fakeClient) SetRGBW(ctx context.Context, p shelly.RGBWSetParams) error {
	rgb := "-"
	if p.RGB != nil {
		rgb = fmt.Sprintf("%v", *p.RGB)
	}
	white := "-"
	if p.White != nil {
		white = fmt.Sprintf("%d", *p.White)
	}
	return f.record(ctx, fmt.Sprintf("rgbw on=%s bri=%s rgb=%s white=%s", fmtBool(p.On), fmtFloat(p.Brightness), rgb, white))
}

func (f *fakeClient) recordedWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeClient) setStatus(status shelly.Status) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

// fakeBridge records registry operations and pushed values.
type fakeBridge struct {
	mu          sync.Mutex
	entries     map[string]bridge.Context
	registers   int
	unregisters int
	pushes      []string
	contexts    map[string]bridge.Context
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{entries: make(map[string]bridge.Context)}
}

func (b *fakeBridge) Register(token string, ctx bridge.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[token] = ctx
	b.registers++
	return nil
}

func (b *fakeBridge) Unregister(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, token)
	b.unregisters++
	return nil
}

func (b *fakeBridge) Push(token string, char bridge.Characteristic, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushes = append(b.pushes, fmt.Sprintf("%s %s=%v", token[:8], char, value))
}

func (b *fakeBridge) Contexts() (map[string]bridge.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bridge.Context, len(b.contexts))
	for k, v := range b.contexts {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBridge) counts() (registers, unregisters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers, b.unregisters
}

func (b *fakeBridge) registered() map[string]bridge.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bridge.Context, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// Status payload helpers.

func rawStatus(pairs map[string]string) shelly.Status {
	s := make(shelly.Status, len(pairs))
	for k, v := range pairs {
		s[k] = json.RawMessage(v)
	}
	return s
}

func rgbwStatus(on bool, brightness float64, r, g, b, white int) shelly.Status {
	return rawStatus(map[string]string{
		"rgbw:0": fmt.Sprintf(`{"output":%v,"brightness":%g,"rgb":[%d,%d,%d],"white":%d}`, on, brightness, r, g, b, white),
		"sys":    `{}`,
	})
}

func lightStatus(channels map[int]string) shelly.Status {
	pairs := map[string]string{"sys": `{}`}
	for ch, body := range channels {
		pairs[fmt.Sprintf("light:%d", ch)] = body
	}
	return rawStatus(pairs)
}

// newTestEngine wires an engine over fakes. Every client host must have
// a matching spec.
func newTestEngine(br *fakeBridge, clients ...*fakeClient) *Engine {
	specs := make([]DeviceSpec, 0, len(clients))
	cm := make(map[string]DeviceClient, len(clients))
	for _, c := range clients {
		specs = append(specs, DeviceSpec{Host: c.host, Name: "Device " + c.host, Channels: [4]bool{true, true, true, true}})
		cm[c.host] = c
	}
	return New(specs, cm, br, time.Hour)
}

// drain waits until every intent queued so far for the token has run.
func drain(e *Engine, token string) {
	done := make(chan struct{})
	e.queues.Submit(token, func(context.Context) { close(done) })
	<-done
}

var errBoom = errors.New("boom")
