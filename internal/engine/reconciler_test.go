package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/dokzlo13/shellyd/internal/bridge"
)

func TestInitializeBuildsAccessories(t *testing.T) {
	br := newFakeBridge()
	client := &fakeClient{host: "10.0.0.5", status: rgbwStatus(false, 50, 0, 0, 0, 0)}
	e := newTestEngine(br, client)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	entries := br.registered()
	if len(entries) != 1 {
		t.Fatalf("registered %d accessories, want 1", len(entries))
	}
	token := Token("10.0.0.5", KindRGBW, 0)
	ctx, ok := entries[token]
	if !ok {
		t.Fatalf("rgbw accessory not registered under deterministic token")
	}
	if ctx.Kind != "rgbw" || ctx.Channel != 0 || ctx.Name != "Device 10.0.0.5" {
		t.Errorf("registered context = %+v", ctx)
	}
}

func TestInitializeAllDevicesFail(t *testing.T) {
	br := newFakeBridge()
	a := &fakeClient{host: "10.0.0.5", statusErr: errBoom}
	b := &fakeClient{host: "10.0.0.6", statusErr: errBoom}
	e := newTestEngine(br, a, b)

	err := e.Initialize(context.Background())
	if !errors.Is(err, ErrNoDevicesDiscovered) {
		t.Fatalf("Initialize error = %v, want ErrNoDevicesDiscovered", err)
	}
	if regs, _ := br.counts(); regs != 0 {
		t.Errorf("registered %d accessories despite failed discovery", regs)
	}
}

func TestInitializePartialFailure(t *testing.T) {
	br := newFakeBridge()
	good := &fakeClient{host: "10.0.0.5", status: rgbwStatus(false, 50, 0, 0, 0, 0)}
	bad := &fakeClient{host: "10.0.0.6", statusErr: errBoom}
	e := newTestEngine(br, good, bad)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(br.registered()) != 1 {
		t.Errorf("registered %d accessories, want 1 from the healthy device", len(br.registered()))
	}
}

func TestReconcileIdempotent(t *testing.T) {
	br := newFakeBridge()
	client := &fakeClient{host: "10.0.0.5", status: lightStatus(map[int]string{
		0: `{"output":true,"brightness":70}`,
		1: `{"output":false}`,
		2: `{"output":false}`,
		3: `{"output":false}`,
	})}
	e := newTestEngine(br, client)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	regsAfterFirst, unregsAfterFirst := br.counts()
	if regsAfterFirst != 4 {
		t.Fatalf("first reconciliation registered %d, want 4", regsAfterFirst)
	}

	if err := e.Reconciler.ReconcileDevice(context.Background(), "10.0.0.5", nil); err != nil {
		t.Fatalf("second ReconcileDevice: %v", err)
	}

	regs, unregs := br.counts()
	if regs != regsAfterFirst || unregs != unregsAfterFirst {
		t.Errorf("second run changed registry: registers %d->%d, unregisters %d->%d",
			regsAfterFirst, regs, unregsAfterFirst, unregs)
	}
}

func TestProfileChangeRebuildsTopology(t *testing.T) {
	br := newFakeBridge()
	client := &fakeClient{host: "10.0.0.5", status: lightStatus(map[int]string{
		0: `{"output":false}`, 1: `{"output":false}`, 2: `{"output":false}`, 3: `{"output":false}`,
	})}
	e := newTestEngine(br, client)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(br.registered()) != 4 {
		t.Fatalf("light profile registered %d accessories, want 4", len(br.registered()))
	}
	lightTokens := br.registered()

	client.setStatus(rgbwStatus(false, 50, 0, 0, 0, 0))
	if err := e.Reconciler.ReconcileDevice(context.Background(), "10.0.0.5", nil); err != nil {
		t.Fatalf("ReconcileDevice after profile change: %v", err)
	}

	entries := br.registered()
	if len(entries) != 1 {
		t.Fatalf("rgbw profile left %d accessories, want 1", len(entries))
	}
	rgbwToken := Token("10.0.0.5", KindRGBW, 0)
	if _, ok := entries[rgbwToken]; !ok {
		t.Error("rgbw accessory missing after rebuild")
	}
	if _, clash := lightTokens[rgbwToken]; clash {
		t.Error("rgbw token collides with a light-channel token")
	}
	if _, unregs := br.counts(); unregs != 4 {
		t.Errorf("unregistered %d accessories, want 4", unregs)
	}
}

func TestLightProfileZeroVisibleChannels(t *testing.T) {
	br := newFakeBridge()
	client := &fakeClient{host: "10.0.0.5", status: lightStatus(map[int]string{0: `{"output":false}`})}

	specs := []DeviceSpec{{Host: client.host, Name: "Hidden", Channels: [4]bool{}}}
	e := New(specs, map[string]DeviceClient{client.host: client}, br, 0)

	// Zero visible channels is a warning, not an error: the device still
	// counts as discovered.
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(br.registered()) != 0 {
		t.Errorf("registered %d accessories, want 0", len(br.registered()))
	}
}

func TestUndiscoveredDeviceAccessoriesNotPruned(t *testing.T) {
	br := newFakeBridge()
	healthy := &fakeClient{host: "10.0.0.5", status: rgbwStatus(false, 50, 0, 0, 0, 0)}
	failing := &fakeClient{host: "10.0.0.6", statusErr: errBoom}

	// A context persisted by an earlier run of the failing device.
	staleToken := Token("10.0.0.6", KindRGB, 0)
	br.contexts = map[string]bridge.Context{
		staleToken: {
			Name:    "Old RGB",
			Host:    "10.0.0.6",
			Kind:    "rgb",
			Channel: 0,
			State:   bridge.LightState{Brightness: 100},
		},
	}

	e := newTestEngine(br, healthy, failing)
	e.Restore()

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, ok := br.registered()[staleToken]; !ok {
		t.Error("restored accessory of undiscovered device was pruned")
	}

	// Once the device discovers with a different profile, the stale
	// accessory goes away.
	failing.mu.Lock()
	failing.statusErr = nil
	failing.status = rgbwStatus(false, 50, 0, 0, 0, 0)
	failing.mu.Unlock()

	if err := e.Reconciler.ReconcileDevice(context.Background(), "10.0.0.6", nil); err != nil {
		t.Fatalf("ReconcileDevice: %v", err)
	}
	if _, ok := br.registered()[staleToken]; ok {
		t.Error("stale accessory survived discovery of its device")
	}
	if _, ok := br.registered()[Token("10.0.0.6", KindRGBW, 0)]; !ok {
		t.Error("rgbw accessory missing after discovery")
	}
}

func TestMetadataFailureIsNonFatal(t *testing.T) {
	br := newFakeBridge()
	client := &fakeClient{
		host:    "10.0.0.5",
		status:  rgbwStatus(false, 50, 0, 0, 0, 0),
		infoErr: errBoom,
	}
	e := newTestEngine(br, client)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize with failing metadata: %v", err)
	}
	if len(br.registered()) != 1 {
		t.Errorf("registered %d accessories, want 1", len(br.registered()))
	}
}

func TestProfileHintOverridesStatus(t *testing.T) {
	br := newFakeBridge()
	// Status says rgbw, metadata insists on rgb.
	client := &fakeClient{
		host:   "10.0.0.5",
		status: rgbwStatus(false, 50, 0, 0, 0, 0),
	}
	client.info.Profile = "rgb"
	e := newTestEngine(br, client)

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, ok := br.registered()[Token("10.0.0.5", KindRGB, 0)]; !ok {
		t.Error("metadata profile hint was not honored")
	}
}

func TestRestoreRemovesContextsOfUnconfiguredDevices(t *testing.T) {
	br := newFakeBridge()
	client := &fakeClient{host: "10.0.0.5", status: rgbwStatus(false, 50, 0, 0, 0, 0)}

	keptToken := Token("10.0.0.5", KindRGBW, 0)
	ghostToken := Token("10.9.9.9", KindRGB, 0)
	br.contexts = map[string]bridge.Context{
		keptToken: {
			Name: "Living Room", Host: "10.0.0.5", Kind: "rgbw", Channel: 0,
			State: bridge.LightState{Brightness: 50},
		},
		ghostToken: {
			Name: "Removed Device", Host: "10.9.9.9", Kind: "rgb", Channel: 0,
			State: bridge.LightState{Brightness: 100},
		},
	}

	e := newTestEngine(br, client)
	e.Restore()

	// The ghost can never re-enter the topology, so Restore must
	// unregister it right away instead of leaving a retained entity.
	if _, unregisters := br.counts(); unregisters != 1 {
		t.Errorf("recorded %d unregisters after restore, want 1", unregisters)
	}
	if _, ok := e.state.AccessorySnapshot(ghostToken); ok {
		t.Error("context of unconfigured device entered the accessory state")
	}
	if _, ok := e.state.AccessorySnapshot(keptToken); !ok {
		t.Error("context of configured device was not restored")
	}

	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, ok := br.registered()[ghostToken]; ok {
		t.Error("ghost accessory registered after topology sync")
	}
}
