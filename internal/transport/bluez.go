package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	gattSvcIface   = "org.bluez.GattService1"
	gattCharIface  = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsSignal    = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objMgrIface    = "org.freedesktop.DBus.ObjectManager"
	defaultAdapter = "hci0"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterObjectPath turns "hci0" into "/org/bluez/hci0".
func adapterObjectPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(adapter, path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(adapter) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn *dbus.Conn
}

func newBluez() (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == busName {
			return &bluez{conn: conn}, nil
		}
	}
	conn.Close()
	return nil, errors.New("org.bluez not found on system bus, is bluetooth.service running?")
}

func (b *bluez) close() {
	b.conn.Close()
}

func (b *bluez) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bluez) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := b.conn.Object(busName, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *bluez) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *bluez) call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error {
	return b.conn.Object(busName, path).CallWithContext(ctx, method, 0, args...).Err
}

func (b *bluez) managedObjects() (managedObjects, error) {
	var objs managedObjects
	err := b.conn.Object(busName, "/").Call(objMgrIface+".GetManagedObjects", 0).Store(&objs)
	return objs, err
}

func (b *bluez) ensurePowered(adapter dbus.ObjectPath) error {
	powered, err := b.getBool(adapter, adapterIface, "Powered")
	if err != nil {
		return fmt.Errorf("read adapter power: %w", err)
	}
	if powered {
		return nil
	}
	return b.setProp(adapter, adapterIface, "Powered", true)
}

func matchRule(path dbus.ObjectPath) string {
	return "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='" + string(path) + "'"
}

// candidate is a selectable peer with its object path.
type candidate struct {
	Peer
	path dbus.ObjectPath
}

// findPeers lists devices under adapter that advertise f.Service, or match
// f.Address when it is set. Results are sorted by address.
func findPeers(objs managedObjects, adapter dbus.ObjectPath, f Filter) []candidate {
	var out []candidate
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || macFromPath(adapter, path) == "" {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if addr == "" {
			addr = macFromPath(adapter, path)
		}
		if f.Address != "" {
			if path != deviceObjectPath(adapter, f.Address) {
				continue
			}
		} else {
			uuids, _ := props["UUIDs"].Value().([]string)
			if !containsUUID(uuids, f.Service) {
				continue
			}
		}
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
		}
		out = append(out, candidate{Peer: Peer{Address: addr, Name: name}, path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// findCharacteristic locates the characteristic f.Characteristic belonging
// to service f.Service on the device at dev.
func findCharacteristic(objs managedObjects, dev dbus.ObjectPath, f Filter) (dbus.ObjectPath, error) {
	var paths []string
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), string(dev)+"/") {
			continue
		}
		id, _ := props["UUID"].Value().(string)
		if !sameUUID(id, f.Characteristic) {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svcID, _ := objs[svcPath][gattSvcIface]["UUID"].Value().(string)
		if !sameUUID(svcID, f.Service) {
			continue
		}
		paths = append(paths, string(path))
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("characteristic %s of service %s not found on %s", f.Characteristic, f.Service, dev)
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

func sameUUID(s string, want uuid.UUID) bool {
	id, err := uuid.Parse(s)
	return err == nil && id == want
}

func containsUUID(list []string, want uuid.UUID) bool {
	for _, s := range list {
		if sameUUID(s, want) {
			return true
		}
	}
	return false
}

// changedProps unpacks a PropertiesChanged signal.
// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
func changedProps(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig.Name != propsSignal || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

// BlueZ is a Transport for BLE peripherals through the BlueZ D-Bus API.
type BlueZ struct {
	Adapter        string
	Selector       Selector
	Log            zerolog.Logger
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	PollInterval   time.Duration

	mu sync.Mutex
	bz *bluez
}

// NewBlueZ returns a BlueZ transport on the named adapter (e.g. "hci0").
func NewBlueZ(adapter string, sel Selector, log zerolog.Logger) *BlueZ {
	if adapter == "" {
		adapter = defaultAdapter
	}
	if sel == nil {
		sel = FirstPeer
	}
	return &BlueZ{
		Adapter:        adapter,
		Selector:       sel,
		Log:            log.With().Str("transport", "bluez").Logger(),
		ScanTimeout:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// Close releases the system bus connection.
func (t *BlueZ) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bz != nil {
		t.bz.close()
		t.bz = nil
	}
}

func (t *BlueZ) bus() (*bluez, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bz == nil {
		bz, err := newBluez()
		if err != nil {
			return nil, err
		}
		t.bz = bz
	}
	return t.bz, nil
}

func (t *BlueZ) Open(ctx context.Context, f Filter, h Handlers) (Conn, error) {
	bz, err := t.bus()
	if err != nil {
		return nil, &ConnectionError{Op: "system bus", Err: err}
	}
	adapter := adapterObjectPath(t.Adapter)
	if err := bz.ensurePowered(adapter); err != nil {
		return nil, &ConnectionError{Op: "power on adapter", Err: err}
	}

	cand, err := t.selectPeer(ctx, bz, adapter, f)
	if err != nil {
		return nil, selectionErr(err)
	}
	log := t.Log.With().Str("peer", cand.Address).Logger()

	connectCtx, cancel := context.WithTimeout(ctx, t.ConnectTimeout)
	defer cancel()
	log.Debug().Msg("connecting")
	if err := bz.call(connectCtx, cand.path, deviceIface+".Connect"); err != nil {
		return nil, &ConnectionError{Op: "connect device", Err: err}
	}
	if err := t.waitResolved(connectCtx, bz, cand.path); err != nil {
		bz.call(context.Background(), cand.path, deviceIface+".Disconnect")
		return nil, &ConnectionError{Op: "resolve services", Err: err}
	}

	objs, err := bz.managedObjects()
	if err != nil {
		bz.call(context.Background(), cand.path, deviceIface+".Disconnect")
		return nil, &ConnectionError{Op: "list objects", Err: err}
	}
	charPath, err := findCharacteristic(objs, cand.path, f)
	if err != nil {
		bz.call(context.Background(), cand.path, deviceIface+".Disconnect")
		return nil, &ConnectionError{Op: "find characteristic", Err: err}
	}

	c := &gattConn{
		bz:       bz,
		peer:     cand.Peer,
		devPath:  cand.path,
		charPath: charPath,
		h:        h,
		log:      log,
		rule:     matchRule(cand.path),
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
	}
	bz.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, c.rule)
	bz.conn.Signal(c.signals)

	if err := bz.call(connectCtx, charPath, gattCharIface+".StartNotify"); err != nil {
		c.shutdown(true, false, nil)
		return nil, &ConnectionError{Op: "start notify", Err: err}
	}
	go c.watch()
	log.Info().Str("characteristic", string(charPath)).Msg("link open")
	return c, nil
}

func (t *BlueZ) selectPeer(ctx context.Context, bz *bluez, adapter dbus.ObjectPath, f Filter) (candidate, error) {
	scanCtx, cancel := context.WithTimeout(ctx, t.ScanTimeout)
	defer cancel()

	discovering := false
	defer func() {
		if discovering {
			bz.call(context.Background(), adapter, adapterIface+".StopDiscovery")
		}
	}()

	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	for {
		objs, err := bz.managedObjects()
		if err != nil {
			return candidate{}, fmt.Errorf("list objects: %w", err)
		}
		if cands := findPeers(objs, adapter, f); len(cands) > 0 {
			return t.choose(ctx, cands)
		}
		if !discovering {
			t.Log.Debug().Str("service", f.Service.String()).Msg("no known peer, starting discovery")
			filter := map[string]dbus.Variant{
				"UUIDs":     dbus.MakeVariant([]string{f.Service.String()}),
				"Transport": dbus.MakeVariant("le"),
			}
			if err := bz.call(scanCtx, adapter, adapterIface+".SetDiscoveryFilter", filter); err != nil {
				return candidate{}, fmt.Errorf("set discovery filter: %w", err)
			}
			if err := bz.call(scanCtx, adapter, adapterIface+".StartDiscovery"); err != nil {
				return candidate{}, fmt.Errorf("start discovery: %w", err)
			}
			discovering = true
		}
		select {
		case <-ctx.Done():
			return candidate{}, ctx.Err()
		case <-scanCtx.Done():
			return candidate{}, fmt.Errorf("%w after %s", ErrNoPeer, t.ScanTimeout)
		case <-ticker.C:
		}
	}
}

func (t *BlueZ) choose(ctx context.Context, cands []candidate) (candidate, error) {
	if len(cands) == 1 {
		return cands[0], nil
	}
	peers := make([]Peer, len(cands))
	for i, c := range cands {
		peers[i] = c.Peer
	}
	picked, err := t.Selector(ctx, peers)
	if err != nil {
		return candidate{}, err
	}
	for _, c := range cands {
		if strings.EqualFold(c.Address, picked.Address) {
			return c, nil
		}
	}
	return candidate{}, fmt.Errorf("%w: selector returned unknown peer %s", ErrNoPeer, picked.Address)
}

func (t *BlueZ) waitResolved(ctx context.Context, bz *bluez, dev dbus.ObjectPath) error {
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	for {
		resolved, err := bz.getBool(dev, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// gattConn is one open GATT link.
type gattConn struct {
	bz       *bluez
	peer     Peer
	devPath  dbus.ObjectPath
	charPath dbus.ObjectPath
	h        Handlers
	log      zerolog.Logger
	rule     string
	signals  chan *dbus.Signal
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (c *gattConn) Peer() Peer { return c.peer }

func (c *gattConn) Send(ctx context.Context, b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &TransportError{Op: "write", Err: ErrClosed}
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	if err := c.bz.call(ctx, c.charPath, gattCharIface+".WriteValue", b, opts); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *gattConn) Close() error {
	c.shutdown(true, true, nil)
	return nil
}

// shutdown releases the link once. cause is nil for a local Close. notify is
// false for a link Open never handed out.
func (c *gattConn) shutdown(disconnect, notify bool, cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		if c.bz != nil {
			c.detach(disconnect)
		}
		if notify && c.h.OnDisconnected != nil {
			c.h.OnDisconnected(cause)
		}
	})
}

// detach undoes the bus-side setup of Open.
func (c *gattConn) detach(disconnect bool) {
	c.bz.conn.RemoveSignal(c.signals)
	c.bz.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, c.rule)
	c.bz.call(context.Background(), c.charPath, gattCharIface+".StopNotify")
	if disconnect {
		if err := c.bz.call(context.Background(), c.devPath, deviceIface+".Disconnect"); err != nil {
			c.log.Debug().Err(err).Msg("disconnect")
		}
	}
}

func (c *gattConn) watch() {
	for {
		select {
		case <-c.done:
			return
		case sig := <-c.signals:
			if c.handleSignal(sig) {
				c.shutdown(false, true, errors.New("peer disconnected"))
				return
			}
		}
	}
}

// handleSignal dispatches notifications and reports whether the device dropped.
func (c *gattConn) handleSignal(sig *dbus.Signal) bool {
	iface, changed, ok := changedProps(sig)
	if !ok {
		return false
	}
	switch {
	case sig.Path == c.charPath && iface == gattCharIface:
		v, ok := changed["Value"]
		if !ok {
			return false
		}
		b, ok := v.Value().([]byte)
		if !ok || c.h.OnReceive == nil {
			return false
		}
		chunk := make([]byte, len(b))
		copy(chunk, b)
		c.h.OnReceive(chunk)
	case sig.Path == c.devPath && iface == deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return false
		}
		connected, ok := v.Value().(bool)
		// Connected flipped to false.
		return ok && !connected
	}
	return false
}
