// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package masquerade

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/noisysockets/masquerade/fragment"
	"github.com/noisysockets/masquerade/session"
	"gopkg.in/yaml.v3"
)

// Config is the on disk configuration of a translator.
type Config struct {
	// Public is the address private traffic is masqueraded behind.
	Public netip.Addr `yaml:"public"`
	// Masquerade holds the private source prefixes that are translated.
	Masquerade []netip.Prefix `yaml:"masquerade,omitempty"`
	// SweepInterval is how often expired state is collected.
	SweepInterval *time.Duration `yaml:"sweepInterval,omitempty"`
	// Ports is the range masquerade ports are allocated from.
	Ports *session.PortRange `yaml:"ports,omitempty"`
	// Timeouts overrides session idle timeouts by state name.
	Timeouts map[string]time.Duration `yaml:"timeouts,omitempty"`
	// Fragments configures datagram reassembly.
	Fragments *FragmentsConfig `yaml:"fragments,omitempty"`
	// FTP configures the FTP gateway.
	FTP *GatewayConfig `yaml:"ftp,omitempty"`
	// RTSP configures the RTSP gateway.
	RTSP *GatewayConfig `yaml:"rtsp,omitempty"`
	// PortForwards are static inbound forwarding rules keyed by public port.
	PortForwards []PortForwardConfig `yaml:"portForwards,omitempty"`
	// MarkForwards are inbound forwarding rules keyed by packet mark.
	MarkForwards []MarkForwardConfig `yaml:"markForwards,omitempty"`
	// AutoForwards are rules opening inbound ports on demand.
	AutoForwards []AutoForwardConfig `yaml:"autoForwards,omitempty"`
	// Control configures the control plane.
	Control *ControlConfig `yaml:"control,omitempty"`
	// Inside is the link facing the private network.
	Inside *LinkConfig `yaml:"inside,omitempty"`
	// Outside is the link facing the public network.
	Outside *LinkConfig `yaml:"outside,omitempty"`
}

// FragmentsConfig configures datagram reassembly.
type FragmentsConfig struct {
	HighThreshold *int64         `yaml:"highThreshold,omitempty"`
	LowThreshold  *int64         `yaml:"lowThreshold,omitempty"`
	Timeout       *time.Duration `yaml:"timeout,omitempty"`
}

// GatewayConfig configures an application level gateway.
type GatewayConfig struct {
	// Disabled turns the gateway off.
	Disabled bool `yaml:"disabled,omitempty"`
	// Ports overrides the well known control ports.
	Ports []uint16 `yaml:"ports,omitempty"`
}

// ForwardTarget is a private endpoint inbound traffic is forwarded to.
type ForwardTarget struct {
	Address netip.AddrPort `yaml:"address"`
	Weight  int            `yaml:"weight,omitempty"`
}

// PortForwardConfig forwards a public port to a set of targets.
type PortForwardConfig struct {
	Protocol string `yaml:"protocol"`
	Port     uint16 `yaml:"port"`
	// Public restricts the rule to one public address.
	Public  netip.Addr      `yaml:"public,omitempty"`
	Targets []ForwardTarget `yaml:"targets"`
}

// MarkForwardConfig forwards packets carrying a mark to a set of targets.
type MarkForwardConfig struct {
	Mark uint32 `yaml:"mark"`
	// Protocol restricts the rule to one protocol.
	Protocol string          `yaml:"protocol,omitempty"`
	Targets  []ForwardTarget `yaml:"targets"`
}

// AutoForwardConfig opens a port range towards a private host.
type AutoForwardConfig struct {
	Protocol string `yaml:"protocol"`
	PortLow  uint16 `yaml:"portLow"`
	PortHigh uint16 `yaml:"portHigh,omitempty"`
	// ControlProtocol and ControlPort select the outbound traffic that opens
	// the range towards its sender.
	ControlProtocol string `yaml:"controlProtocol,omitempty"`
	ControlPort     uint16 `yaml:"controlPort,omitempty"`
	// Host pins the range open towards a fixed private host.
	Host    netip.Addr    `yaml:"host,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ControlConfig configures the control plane.
type ControlConfig struct {
	// Socket is the path of the unix control socket.
	Socket string `yaml:"socket"`
}

// LinkConfig is a UDP encapsulated link carrying raw IPv4 packets.
type LinkConfig struct {
	Listen netip.AddrPort `yaml:"listen"`
	Peer   netip.AddrPort `yaml:"peer"`
	MTU    *int           `yaml:"mtu,omitempty"`
}

// LoadConfig reads a configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var conf Config
	if err := dec.Decode(&conf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

// Validate checks the configuration for errors the engine would only
// report later.
func (c *Config) Validate() error {
	var errs []error

	if !c.Public.Is4() {
		errs = append(errs, fmt.Errorf("public address %q is not an IPv4 address", c.Public))
	}
	if c.Ports != nil && (c.Ports.Low == 0 || c.Ports.High < c.Ports.Low) {
		errs = append(errs, fmt.Errorf("invalid port range %s", c.Ports))
	}
	for name := range c.Timeouts {
		if _, err := session.ParseState(name); err != nil {
			errs = append(errs, err)
		}
	}
	for i, fw := range c.PortForwards {
		if _, err := session.ParseProtocol(fw.Protocol); err != nil {
			errs = append(errs, fmt.Errorf("port forward %d: %w", i, err))
		}
		if len(fw.Targets) == 0 {
			errs = append(errs, fmt.Errorf("port forward %d: no targets", i))
		}
	}
	for i, fw := range c.MarkForwards {
		if fw.Protocol != "" {
			if _, err := session.ParseProtocol(fw.Protocol); err != nil {
				errs = append(errs, fmt.Errorf("mark forward %d: %w", i, err))
			}
		}
		if len(fw.Targets) == 0 {
			errs = append(errs, fmt.Errorf("mark forward %d: no targets", i))
		}
	}
	for i, fw := range c.AutoForwards {
		if _, err := session.ParseProtocol(fw.Protocol); err != nil {
			errs = append(errs, fmt.Errorf("auto forward %d: %w", i, err))
		}
		if !fw.Host.IsValid() {
			if _, err := session.ParseProtocol(fw.ControlProtocol); err != nil {
				errs = append(errs, fmt.Errorf("auto forward %d: control %w", i, err))
			}
		}
	}

	return errors.Join(errs...)
}

// EngineConfig returns the engine configuration described by c.
func (c *Config) EngineConfig() (*EngineConfig, error) {
	timeouts := make(session.Timeouts, len(c.Timeouts))
	for name, d := range c.Timeouts {
		state, err := session.ParseState(name)
		if err != nil {
			return nil, err
		}
		timeouts[state] = d
	}

	conf := &EngineConfig{
		Public:        c.Public,
		Masquerade:    c.Masquerade,
		SweepInterval: c.SweepInterval,
		Sessions: &session.TableConfig{
			Ports:    c.Ports,
			Timeouts: timeouts,
		},
	}

	if c.Fragments != nil {
		conf.Fragments = &fragment.Config{
			HighThreshold: c.Fragments.HighThreshold,
			LowThreshold:  c.Fragments.LowThreshold,
			Timeout:       c.Fragments.Timeout,
		}
	}

	return conf, nil
}
