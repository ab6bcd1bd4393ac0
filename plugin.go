package connection

// Plugin enables a named capability on a Manager.
type Plugin interface {
	// Name is the capability provided by the plugin.
	Name() string

	// Requires lists the capabilities that must be enabled before the
	// plugin can be used.
	Requires() []string

	// Attach installs the plugin on the manager, typically by
	// registering hooks and listeners. It is called once, by Use.
	Attach(*Manager) error
}

// RegistryName is the name of the connection registry capability.
const RegistryName = "registry"

// Registry is the plugin that creates the connection registry of a
// Manager. It must be enabled before the manager can serve connections
// and before the plugins that look up connections.
type Registry struct{}

// Name returns RegistryName.
func (Registry) Name() string { return RegistryName }

// Requires returns nil, the registry has no dependency.
func (Registry) Requires() []string { return nil }

// Attach creates the connection set of m.
func (Registry) Attach(m *Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns == nil {
		m.conns = make(map[string]*Conn)
	}
	return nil
}
