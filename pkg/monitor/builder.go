package monitor

import "time"

// Builder collects normalized items during a status parse and applies
// the configured filters once when the snapshot is finalized.
//
// Backends add hosts and services in whatever order the wire format
// delivers them. A service may arrive before its host, the builder then
// creates a placeholder host that a later AddHost fills in.
type Builder struct {
	backend string
	site    string
	filters *Filters
	hosts   map[string]*Host
}

// NewBuilder returns a Builder for one refresh cycle of one backend.
// filters may be nil to disable local filtering.
func NewBuilder(backend, site string, filters *Filters) *Builder {
	return &Builder{
		backend: backend,
		site:    site,
		filters: filters,
		hosts:   make(map[string]*Host),
	}
}

// Host returns the named host, creating an OK placeholder if it is not
// known yet.
func (b *Builder) Host(name string) *Host {
	if h, ok := b.hosts[name]; ok {
		return h
	}

	h := &Host{
		Backend:  b.backend,
		Site:     b.site,
		Name:     name,
		Status:   SeverityOK,
		Flags:    Flags{Visible: true},
		Services: make(map[string]*Service),
	}
	b.hosts[name] = h

	return h
}

// AddService attaches a service to the named host. The service's
// backend, site and host fields are filled in by the builder.
func (b *Builder) AddService(host string, s *Service) {
	s.Backend = b.backend
	s.Site = b.site
	s.Host = host
	s.Flags.Visible = true

	b.Host(host).Services[s.Name] = s
}

// Snapshot applies the filters and returns the finished snapshot.
//
// Filtered services are dropped. A host whose own problem is filtered
// keeps its remaining services but becomes invisible itself, hosts left
// with neither an own problem nor services are dropped entirely.
func (b *Builder) Snapshot() *Snapshot {
	hosts := make(map[string]*Host)
	for name, h := range b.hosts {
		if b.filters != nil {
			for sname, svc := range h.Services {
				if b.filters.ExcludesService(svc) {
					delete(h.Services, sname)
				}
			}

			if h.Status != SeverityOK && b.filters.ExcludesHost(h) {
				h.Flags.Visible = false
			}
		}

		hostProblem := h.Status != SeverityOK && h.Flags.Visible
		if hostProblem || len(h.Services) > 0 {
			hosts[name] = h
		}
	}

	return &Snapshot{
		Backend: b.backend,
		Taken:   time.Now(),
		Hosts:   hosts,
	}
}
