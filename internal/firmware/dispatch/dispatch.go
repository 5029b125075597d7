// Package dispatch simulates the order in which the PEI and DXE dispatchers
// would run the modules of a firmware image.
package dispatch

import (
	"context"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/depex"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/fv"
)

const tracerName = "github.com/appkins-org/go-uefi-fv/firmware/dispatch"

// Phase is a boot phase with its own dispatcher.
type Phase string

const (
	PhasePEI Phase = "PEI"
	PhaseDXE Phase = "DXE"
)

// Via records what made a module run.
type Via string

const (
	ViaCore    Via = "core"
	ViaApriori Via = "apriori"
	ViaDepex   Via = "depex"
	ViaNoDepex Via = "no-depex"
	ViaBefore  Via = "before"
	ViaAfter   Via = "after"
)

// Reason explains why a module never ran.
type Reason string

const (
	ReasonUnsatisfied         Reason = "unsatisfied"
	ReasonScheduleOnRequest   Reason = "schedule-on-request"
	ReasonDepexError          Reason = "depex-error"
	ReasonTargetNotDispatched Reason = "target-not-dispatched"
)

// Entry is one module in a report.
type Entry struct {
	Phase  Phase     `json:"phase"`
	GUID   efi.GUID  `json:"guid"`
	Name   string    `json:"name,omitempty"`
	Type   string    `json:"type"`
	Path   string    `json:"path"`
	Via    Via       `json:"via,omitempty"`
	Target *efi.GUID `json:"target,omitempty"`
	Reason Reason    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Report is the outcome of a simulation.
type Report struct {
	PEI          []Entry    `json:"pei"`
	DXE          []Entry    `json:"dxe"`
	Undispatched []Entry    `json:"undispatched"`
	PPIs         []efi.GUID `json:"ppis"`
	Protocols    []efi.GUID `json:"protocols"`
}

// Order returns the GUIDs dispatched in phase p, in order.
func (r *Report) Order(p Phase) []efi.GUID {
	list := r.PEI
	if p == PhaseDXE {
		list = r.DXE
	}
	out := make([]efi.GUID, 0, len(list))
	for _, e := range list {
		out = append(out, e.GUID)
	}
	return out
}

// Simulator runs both dispatch phases over a parsed image.
type Simulator struct {
	Producers Producers
	Log       logr.Logger
}

type candidate struct {
	file   *fv.File
	path   string
	expr   depex.Expression
	hasDep bool
	depErr error
	done   bool
	target *efi.GUID
}

type phase struct {
	name    Phase
	sim     *Simulator
	files   []*candidate
	byID    map[efi.GUID][]*candidate
	before  map[efi.GUID][]*candidate
	after   map[efi.GUID][]*candidate
	order   []Entry
	present map[efi.GUID]struct{}
	added   []efi.GUID
}

// Run simulates PEI then DXE dispatch of every module in root and its nested volumes.
func (s *Simulator) Run(ctx context.Context, root *fv.Volume) (*Report, error) {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "dispatch.Simulator.Run")
	defer span.End()

	type located struct {
		file *fv.File
		path string
	}
	var files []located
	err := fv.Walk(root, func(p fv.Path, n fv.Node) error {
		if f, ok := n.(*fv.File); ok && !f.IsPad() {
			files = append(files, located{file: f, path: p.String()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := &Report{}
	for _, ph := range []Phase{PhasePEI, PhaseDXE} {
		st := &phase{
			name:    ph,
			sim:     s,
			byID:    map[efi.GUID][]*candidate{},
			before:  map[efi.GUID][]*candidate{},
			after:   map[efi.GUID][]*candidate{},
			present: map[efi.GUID]struct{}{},
		}
		var cores []*candidate
		var apriori []efi.GUID
		for _, l := range files {
			if l.file.ID == aprioriFile(ph) {
				apriori = append(apriori, aprioriList(l.file)...)
				continue
			}
			core, ok := member(ph, l.file.Header.Type)
			if !ok {
				continue
			}
			c := st.add(l.file, l.path)
			if core {
				cores = append(cores, c)
			}
		}
		st.run(cores, apriori)

		if ph == PhasePEI {
			r.PEI = st.order
			r.PPIs = st.added
		} else {
			r.DXE = st.order
			r.Protocols = st.added
		}
		r.Undispatched = append(r.Undispatched, st.leftovers()...)
	}

	span.SetAttributes(
		attribute.Int("dispatch.pei", len(r.PEI)),
		attribute.Int("dispatch.dxe", len(r.DXE)),
		attribute.Int("dispatch.undispatched", len(r.Undispatched)),
	)
	return r, nil
}

// member reports whether a file of type t takes part in phase ph and whether
// it is the phase core, which runs unconditionally.
func member(ph Phase, t ffs.FileType) (core, ok bool) {
	switch ph {
	case PhasePEI:
		switch t {
		case ffs.FileTypeSecurityCore, ffs.FileTypePEICore:
			return true, true
		case ffs.FileTypePEIM, ffs.FileTypeCombinedPEIMDriver:
			return false, true
		}
	case PhaseDXE:
		switch t {
		case ffs.FileTypeDXECore:
			return true, true
		case ffs.FileTypeDriver, ffs.FileTypeCombinedPEIMDriver, ffs.FileTypeCombinedMMDXE:
			return false, true
		}
	}
	return false, false
}

func aprioriFile(ph Phase) efi.GUID {
	if ph == PhasePEI {
		return efi.PEIAprioriGUID
	}
	return efi.DXEAprioriGUID
}

// aprioriList reads the GUID array held in the raw section of an apriori file.
func aprioriList(f *fv.File) []efi.GUID {
	var data []byte
	if s := f.FindSection(ffs.SectionRaw); s != nil {
		if raw, ok := s.Payload.(*fv.Raw); ok {
			data = raw.Data
		}
	}
	var out []efi.GUID
	for len(data) >= efi.GUIDLength {
		g, _ := efi.GUIDFromBytes(data)
		out = append(out, g)
		data = data[efi.GUIDLength:]
	}
	return out
}

func depexSection(ph Phase) ffs.SectionType {
	if ph == PhasePEI {
		return ffs.SectionPEIDepex
	}
	return ffs.SectionDXEDepex
}

func (st *phase) add(f *fv.File, path string) *candidate {
	c := &candidate{file: f, path: path}
	if s := f.FindSection(depexSection(st.name)); s != nil {
		c.hasDep = true
		switch p := s.Payload.(type) {
		case *fv.Depex:
			c.expr = p.Expr
		default:
			c.depErr = s.Err
			if c.depErr == nil {
				c.depErr = ffs.Errorf(ffs.ErrDepexDecode, -1, "dependency section holds no expression").WithGUID(f.ID)
			}
		}
	}
	st.files = append(st.files, c)
	st.byID[f.ID] = append(st.byID[f.ID], c)
	return c
}

func (st *phase) installed(g efi.GUID) bool {
	_, ok := st.present[g]
	return ok
}

func (st *phase) install(f *fv.File) {
	p := st.sim.Producers[f.ID]
	list := p.Protocols
	if st.name == PhasePEI {
		list = p.PPIs
	}
	for _, g := range list {
		if _, ok := st.present[g]; ok {
			continue
		}
		st.present[g] = struct{}{}
		st.added = append(st.added, g)
	}
}

// run registers ordering directives, forces the cores and apriori modules and
// then repeats full scans until one dispatches nothing.
func (st *phase) run(cores []*candidate, apriori []efi.GUID) {
	log := st.sim.Log.WithValues("phase", st.name)

	for _, c := range st.files {
		if c.done || c.depErr != nil || !c.hasDep {
			continue
		}
		res, err := depex.Evaluate(c.expr, st.installed)
		if err != nil {
			c.depErr = err
			continue
		}
		switch res.Kind {
		case depex.Before:
			c.target = &res.Target
			st.before[res.Target] = append(st.before[res.Target], c)
		case depex.After:
			c.target = &res.Target
			st.after[res.Target] = append(st.after[res.Target], c)
		}
	}

	for _, c := range cores {
		st.dispatch(c, ViaCore)
	}
	for _, g := range apriori {
		cs := st.byID[g]
		if len(cs) == 0 {
			log.V(1).Info("apriori module not present", "guid", g)
		}
		for _, c := range cs {
			st.dispatch(c, ViaApriori)
		}
	}

	// PEI runs a module as soon as its depex holds. DXE evaluates every
	// pending module first and then runs the scheduled batch in file order.
	type scheduled struct {
		c   *candidate
		via Via
	}
	for pass := 1; ; pass++ {
		var queue []scheduled
		for _, c := range st.files {
			if c.done || c.depErr != nil || c.target != nil {
				continue
			}
			ok, via := st.ready(c)
			if !ok {
				continue
			}
			if st.name == PhasePEI {
				st.dispatch(c, via)
			}
			queue = append(queue, scheduled{c, via})
		}
		for _, s := range queue {
			st.dispatch(s.c, s.via)
		}
		progress := len(queue) > 0
		log.V(1).Info("dispatch pass finished", "pass", pass, "dispatched", len(st.order))
		if !progress {
			return
		}
	}
}

func (st *phase) ready(c *candidate) (bool, Via) {
	if !c.hasDep {
		if st.name == PhasePEI {
			return true, ViaNoDepex
		}
		for _, g := range efi.ArchProtocols {
			if !st.installed(g) {
				return false, ViaNoDepex
			}
		}
		return true, ViaNoDepex
	}
	res, err := depex.Evaluate(c.expr, st.installed)
	if err != nil {
		c.depErr = err
		return false, ViaDepex
	}
	if res.ScheduleOnRequest {
		return false, ViaDepex
	}
	return res.Value, ViaDepex
}

// dispatch runs c with the modules ordered before it first and the ones
// ordered after it immediately behind.
func (st *phase) dispatch(c *candidate, via Via) {
	if c.done {
		return
	}
	c.done = true
	for _, b := range st.before[c.file.ID] {
		st.dispatch(b, ViaBefore)
	}
	st.order = append(st.order, st.entry(c, via))
	st.install(c.file)
	for _, a := range st.after[c.file.ID] {
		st.dispatch(a, ViaAfter)
	}
}

func (st *phase) entry(c *candidate, via Via) Entry {
	e := Entry{
		Phase: st.name,
		GUID:  c.file.ID,
		Name:  c.file.UserInterface(),
		Type:  c.file.Header.Type.String(),
		Path:  c.path,
		Via:   via,
	}
	if via == ViaBefore || via == ViaAfter {
		e.Target = c.target
	}
	return e
}

func (st *phase) leftovers() []Entry {
	var out []Entry
	for _, c := range st.files {
		if c.done {
			continue
		}
		e := st.entry(c, "")
		switch {
		case c.depErr != nil:
			e.Reason = ReasonDepexError
			e.Error = c.depErr.Error()
		case c.target != nil:
			e.Reason = ReasonTargetNotDispatched
			e.Target = c.target
		case c.hasDep && len(c.expr) > 0 && c.expr[0].Op == depex.OpSOR:
			e.Reason = ReasonScheduleOnRequest
		default:
			e.Reason = ReasonUnsatisfied
		}
		out = append(out, e)
	}
	return out
}

