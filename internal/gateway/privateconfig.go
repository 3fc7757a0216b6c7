package gateway

import "sync"

// DeviceOverride holds the per-device differential configuration a
// connection should apply on top of the server defaults.
type DeviceOverride struct {
	SystemPrompt string
	NeedBind     bool
	BindCode     string
}

// PrivateConfigResolver resolves per-device configuration overrides,
// grounded on the reference implementation's _initialize_private_config:
// a device either has a registered override (bound), or it does not, in
// which case the connection proceeds in a degraded bind-required mode
// carrying a bind code the system prompt can surface to the user.
//
// Safe for concurrent use; Register/Unregister are expected to be called
// from a control-plane path (device provisioning), not the hot path.
type PrivateConfigResolver struct {
	mu        sync.RWMutex
	overrides map[string]DeviceOverride

	// BindCodeFor generates a bind code for an unregistered device. It is
	// called at most once per unbound device per connection attempt; a nil
	// value means unbound devices get an empty bind code.
	BindCodeFor func(deviceID string) string
}

// NewPrivateConfigResolver constructs an empty resolver. Use Register to
// populate it as devices complete provisioning/binding.
func NewPrivateConfigResolver() *PrivateConfigResolver {
	return &PrivateConfigResolver{overrides: make(map[string]DeviceOverride)}
}

// Register stores (or replaces) the override for deviceID, marking it bound.
func (r *PrivateConfigResolver) Register(deviceID string, override DeviceOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	override.NeedBind = false
	override.BindCode = ""
	r.overrides[deviceID] = override
}

// Unregister removes a device's override, returning it to the unbound state.
func (r *PrivateConfigResolver) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, deviceID)
}

// Resolve returns deviceID's differential configuration. An unregistered
// device gets NeedBind set and, if BindCodeFor is configured, a fresh bind
// code — mirroring DeviceNotFoundException/DeviceBindException's effect of
// setting need_bind without aborting the connection.
func (r *PrivateConfigResolver) Resolve(deviceID string) DeviceOverride {
	r.mu.RLock()
	override, ok := r.overrides[deviceID]
	r.mu.RUnlock()
	if ok {
		return override
	}

	code := ""
	if r.BindCodeFor != nil {
		code = r.BindCodeFor(deviceID)
	}
	return DeviceOverride{NeedBind: true, BindCode: code}
}
