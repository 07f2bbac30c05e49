// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device runtime with the given name, and a constructor that takes as input a configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the sorted names of the registered runtimes.
func Registered() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the default runtime configuration to use, if TENSORCORE_DEVICE is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EnvConfig is the name of the environment variable with the runtime configuration to use.
//
// The format is "<runtime_name>:<runtime_configuration>", e.g.: "sim:devices=2,capacity=1GiB".
const EnvConfig = "TENSORCORE_DEVICE"

// New returns a new Runtime. The configuration is taken, in order of priority, from:
//
// 1. The environment variable TENSORCORE_DEVICE.
// 2. The variable DefaultConfig.
// 3. The first registered runtime, with an empty configuration.
func New() (Runtime, error) {
	if config, found := os.LookupEnv(EnvConfig); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew is like New, but panics on error.
func MustNew() Runtime {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// NewWithConfig creates a Runtime from a configuration formatted as "<runtime_name>:<runtime_configuration>".
// If "<runtime_name>" is omitted, the first registered runtime is used.
func NewWithConfig(config string) (Runtime, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Errorf(`no registered device runtime, maybe import the simulated one with import _ "github.com/gomlx/tensorcore/pkg/core/device/simdevice"?`)
	}
	name, runtimeConfig := firstRegistered, config
	if before, after, found := strings.Cut(config, ":"); found {
		name, runtimeConfig = before, after
	} else if _, isName := registeredConstructors[config]; isName {
		name, runtimeConfig = config, ""
	}
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find device runtime %q for configuration %q, registered runtimes are %q",
			name, config, Registered())
	}
	r, err := constructor(runtimeConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create device runtime %q", name)
	}
	return r, nil
}

// CheckDevice panics if device is not a valid device index for r. It's meant for programming errors.
func CheckDevice(r Runtime, device int) {
	if device < 0 || device >= r.NumDevices() {
		exceptions.Panicf("invalid device %d for runtime %q with %d devices", device, r.Name(), r.NumDevices())
	}
}
