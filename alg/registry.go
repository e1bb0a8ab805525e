// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package alg

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/noisysockets/masquerade/session"
)

// Binding is a (protocol, port) pair a module is registered for.
type Binding struct {
	Protocol session.Protocol
	Port     uint16
}

func (b Binding) String() string {
	return fmt.Sprintf("%s/%d", b.Protocol, b.Port)
}

// Registry holds the helper modules available to the forwarding path.
type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	modules  map[string]Module
	order    []string
	bound    map[Binding][]Module
	catchAll []Module
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		modules: make(map[string]Module),
		bound:   make(map[Binding][]Module),
	}
}

// Attach routes session deletion events of table to the registered modules.
func (r *Registry) Attach(table *session.Table) {
	table.SetHooks(session.Hooks{
		Deleted: r.sessionEnded,
	})
}

// Register adds a module. A module registered without bindings is consulted
// for every packet.
func (r *Registry) Register(m Module, bindings ...Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, ok := r.modules[name]; ok {
		return fmt.Errorf("module %q already registered", name)
	}

	r.modules[name] = m
	r.order = append(r.order, name)
	if len(bindings) == 0 {
		r.catchAll = append(r.catchAll, m)
	}
	for _, b := range bindings {
		r.bound[b] = append(r.bound[b], m)
	}

	r.logger.Debug("Registered module",
		slog.String("module", name), slog.Any("bindings", bindings))

	return nil
}

// Unregister removes a module.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}

	delete(r.modules, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.catchAll = slices.DeleteFunc(r.catchAll, func(o Module) bool { return o == m })
	for b, mods := range r.bound {
		mods = slices.DeleteFunc(mods, func(o Module) bool { return o == m })
		if len(mods) == 0 {
			delete(r.bound, b)
		} else {
			r.bound[b] = mods
		}
	}

	return nil
}

// Module returns the module registered under name.
func (r *Registry) Module(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return m, nil
}

// Controller returns the module registered under name if it accepts control
// requests.
func (r *Registry) Controller(name string) (Controller, error) {
	m, err := r.Module(name)
	if err != nil {
		return nil, err
	}

	c, ok := m.(Controller)
	if !ok {
		return nil, fmt.Errorf("%w: module %s has no entries", ErrUnsupported, name)
	}
	return c, nil
}

// Modules returns every module in registration order.
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mods := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		mods = append(mods, r.modules[name])
	}
	return mods
}

// Bound returns the modules registered for proto on any of ports.
func (r *Registry) Bound(proto session.Protocol, ports ...uint16) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var mods []Module
	for _, port := range ports {
		for _, m := range r.bound[Binding{Protocol: proto, Port: port}] {
			if !slices.Contains(mods, m) {
				mods = append(mods, m)
			}
		}
	}
	return mods
}

// Candidates returns the modules whose rule hooks are consulted for a
// packet with the given ports: those bound to the ports, then the catch-all
// modules.
func (r *Registry) Candidates(proto session.Protocol, ports ...uint16) []Module {
	mods := r.Bound(proto, ports...)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.catchAll {
		if !slices.Contains(mods, m) {
			mods = append(mods, m)
		}
	}
	return mods
}

// Bind binds s to the first module registered for one of its private or
// remote ports and starts it. It returns the module s is bound to, if any.
func (r *Registry) Bind(s *session.Session) Module {
	if m := r.App(s); m != nil {
		return m
	}

	mods := r.Bound(s.Protocol(), s.Remote().Port(), s.Private().Port())
	if len(mods) == 0 {
		return nil
	}

	m := mods[0]
	if !s.BindApp(m.Name()) {
		return r.App(s)
	}
	m.SessionStart(s)

	return m
}

// App returns the module s is bound to, if any.
func (r *Registry) App(s *session.Session) Module {
	name := s.App()
	if name == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.modules[name]
}

// Sweep ages out module state.
func (r *Registry) Sweep(now time.Time) {
	for _, m := range r.Modules() {
		if sw, ok := m.(Sweeper); ok {
			sw.Sweep(now)
		}
	}
}

func (r *Registry) sessionEnded(s *session.Session) {
	app := r.App(s)
	if app != nil {
		app.SessionEnd(s)
	}

	if owner := s.Owner(); owner != "" && (app == nil || owner != app.Name()) {
		if m, err := r.Module(owner); err == nil {
			m.SessionEnd(s)
		}
	}
}
