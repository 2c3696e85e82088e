package engines

import (
	"fmt"
	"os/exec"
	"strings"
)

// Preference names a preferred engine and ordered fallbacks for one
// capability.
type Preference struct {
	Preferred string
	Fallbacks []string
}

func (p Preference) ordered() []string {
	return append([]string{p.Preferred}, p.Fallbacks...)
}

// Preferences collects per-capability engine preferences.
type Preferences struct {
	Registration    Preference
	BrainExtraction Preference
	BiasCorrection  Preference
}

// Status describes the availability of one engine backend.
type Status struct {
	Available bool
	Version   string
	Path      string
	Err       error
}

// Manager constructs engine adapters by name and selects the best
// available backend per capability.
type Manager struct {
	prefs Preferences
}

// NewManager returns a manager honoring the given preferences.
func NewManager(prefs Preferences) *Manager {
	return &Manager{prefs: prefs}
}

// Registrator constructs a registration backend by name.
func (m *Manager) Registrator(name string) (Registrator, error) {
	switch name {
	case "ants":
		return NewANTsRegistrator(), nil
	case "niftyreg":
		return NewNiftyRegRegistrator(), nil
	case "greedy":
		return NewGreedyRegistrator(), nil
	}
	return nil, fmt.Errorf("unknown registration engine %q", name)
}

// BrainExtractor constructs an extraction backend by name.
func (m *Manager) BrainExtractor(name string) (BrainExtractor, error) {
	switch name {
	case "hdbet":
		return NewHDBetExtractor(), nil
	case "synthstrip":
		return NewSynthStripExtractor(), nil
	}
	return nil, fmt.Errorf("unknown brain extraction engine %q", name)
}

// N4BiasCorrector constructs a bias-correction backend by name.
func (m *Manager) N4BiasCorrector(name string) (N4BiasCorrector, error) {
	switch name {
	case "n4-ants":
		return NewANTsN4BiasCorrector(), nil
	}
	return nil, fmt.Errorf("unknown bias correction engine %q", name)
}

// SelectRegistrator returns the first available registration backend in
// preference order.
func (m *Manager) SelectRegistrator() (Registrator, error) {
	var tried []string
	for _, name := range m.prefs.Registration.ordered() {
		r, err := m.Registrator(name)
		if err != nil {
			return nil, err
		}
		if r.Available() {
			return r, nil
		}
		tried = append(tried, name)
	}
	return nil, fmt.Errorf("no registration engine available (tried %s)", strings.Join(tried, ", "))
}

// SelectBrainExtractor returns the first available extraction backend in
// preference order.
func (m *Manager) SelectBrainExtractor() (BrainExtractor, error) {
	var tried []string
	for _, name := range m.prefs.BrainExtraction.ordered() {
		e, err := m.BrainExtractor(name)
		if err != nil {
			return nil, err
		}
		if e.Available() {
			return e, nil
		}
		tried = append(tried, name)
	}
	return nil, fmt.Errorf("no brain extraction engine available (tried %s)", strings.Join(tried, ", "))
}

// engineBinaries maps engine names to the binaries they require.
var engineBinaries = map[string][]string{
	"ants":       {"antsRegistration", "antsApplyTransforms"},
	"niftyreg":   {"reg_aladin", "reg_resample"},
	"greedy":     {"greedy"},
	"hdbet":      {"hd-bet"},
	"synthstrip": {"mri_synthstrip"},
	"n4-ants":    {"N4BiasFieldCorrection"},
	"quickshear": nil, // implemented natively
}

// CheckEngine probes one engine's binaries.
func (m *Manager) CheckEngine(name string) Status {
	bins, ok := engineBinaries[name]
	if !ok {
		return Status{Err: fmt.Errorf("unknown engine %q", name)}
	}
	var path string
	for _, bin := range bins {
		p, err := exec.LookPath(bin)
		if err != nil {
			return Status{Err: fmt.Errorf("missing binary %s", bin)}
		}
		path = p
	}
	return Status{Available: true, Path: path}
}

// EngineStatus probes every known engine.
func (m *Manager) EngineStatus() map[string]Status {
	out := make(map[string]Status, len(engineBinaries))
	for name := range engineBinaries {
		out[name] = m.CheckEngine(name)
	}
	return out
}
