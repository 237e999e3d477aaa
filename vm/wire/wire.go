// Package wire encodes signatures and linker snapshots in canonical CBOR.
// Equal linker states encode to identical bytes, so a snapshot digest can
// be compared across processes.
package wire

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/indy/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the snapshot format version.
const Version = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// SignatureRecord is a signature by type name.
type SignatureRecord struct {
	Return string   `cbor:"1,keyasint"`
	Params []string `cbor:"2,keyasint,omitempty"`
}

// TypeRecord describes one non-array type.
type TypeRecord struct {
	Name        string   `cbor:"1,keyasint"`
	Kind        string   `cbor:"2,keyasint"`
	Super       string   `cbor:"3,keyasint,omitempty"`
	Interfaces  []string `cbor:"4,keyasint,omitempty"`
	Public      bool     `cbor:"5,keyasint"`
	Initialized bool     `cbor:"6,keyasint"`
}

// InstructionRecord describes one call instruction and its linkage.
type InstructionRecord struct {
	ID          [16]byte        `cbor:"1,keyasint"`
	Caller      string          `cbor:"2,keyasint"`
	Name        string          `cbor:"3,keyasint"`
	Type        SignatureRecord `cbor:"4,keyasint"`
	Args        string          `cbor:"5,keyasint"`
	State       string          `cbor:"6,keyasint"`
	SiteKind    string          `cbor:"7,keyasint,omitempty"`
	Target      string          `cbor:"8,keyasint,omitempty"`
	Invocations uint64          `cbor:"9,keyasint"`
	Bootstraps  uint64          `cbor:"10,keyasint"`
	Error       string          `cbor:"11,keyasint,omitempty"`
}

// StatsRecord mirrors vm.LinkerStats. The live signature count is left
// out since it moves with the Go garbage collector.
type StatsRecord struct {
	Instructions int    `cbor:"1,keyasint"`
	Unlinked     int    `cbor:"2,keyasint"`
	Linked       int    `cbor:"3,keyasint"`
	Failed       int    `cbor:"4,keyasint"`
	Links        uint64 `cbor:"5,keyasint"`
	Failures     uint64 `cbor:"6,keyasint"`
	Races        uint64 `cbor:"7,keyasint"`
	Bootstraps   int    `cbor:"8,keyasint"`
}

// Snapshot is the encodable state of a linker and its type table.
type Snapshot struct {
	Version      uint                `cbor:"1,keyasint"`
	Types        []TypeRecord        `cbor:"2,keyasint"`
	Instructions []InstructionRecord `cbor:"3,keyasint"`
	Stats        StatsRecord         `cbor:"4,keyasint"`
}

// RecordSignature converts sig to its record form.
func RecordSignature(sig *vm.Signature) SignatureRecord {
	rec := SignatureRecord{Return: sig.ReturnType().Name()}
	for _, p := range sig.Parameters() {
		rec.Params = append(rec.Params, p.Name())
	}
	return rec
}

// Descriptor renders the record in descriptor syntax.
func (r SignatureRecord) Descriptor() string {
	return "(" + strings.Join(r.Params, ",") + ")" + r.Return
}

// Resolve interns the record's signature in tt. Every named type must
// already exist.
func (r SignatureRecord) Resolve(tt *vm.TypeTable) (*vm.Signature, error) {
	return tt.ParseDescriptor(r.Descriptor())
}

// Capture records the current state of l. Types are ordered by name and
// instructions by caller, name and id.
func Capture(l *vm.Linker) *Snapshot {
	s := &Snapshot{Version: Version}

	for _, t := range l.Types().Types() {
		rec := TypeRecord{
			Name:        t.Name(),
			Kind:        t.Kind().String(),
			Public:      t.IsPublic(),
			Initialized: t.IsInitialized(),
		}
		if sup := t.Superclass(); sup != nil {
			rec.Super = sup.Name()
		}
		for _, iface := range t.Interfaces() {
			rec.Interfaces = append(rec.Interfaces, iface.Name())
		}
		s.Types = append(s.Types, rec)
	}
	sort.Slice(s.Types, func(i, j int) bool { return s.Types[i].Name < s.Types[j].Name })

	for _, ci := range l.Instructions() {
		rec := InstructionRecord{
			ID:          ci.ID(),
			Caller:      ci.Caller().Name(),
			Name:        ci.Name(),
			Type:        RecordSignature(ci.Type()),
			Args:        ci.Args().Kind().String(),
			State:       ci.State().String(),
			Invocations: ci.Invocations(),
			Bootstraps:  ci.BootstrapCalls(),
		}
		if site := ci.Site(); site != nil {
			rec.SiteKind = vm.SiteKind(site)
			if target := site.Target(); target != nil {
				rec.Target = target.Name()
			}
		}
		if err := ci.Err(); err != nil {
			rec.Error = err.Error()
		}
		s.Instructions = append(s.Instructions, rec)
	}

	st := l.Stats()
	s.Stats = StatsRecord{
		Instructions: st.Instructions,
		Unlinked:     st.Unlinked,
		Linked:       st.Linked,
		Failed:       st.Failed,
		Links:        st.Links,
		Failures:     st.Failures,
		Races:        st.Races,
		Bootstraps:   st.Bootstraps,
	}
	return s
}

// Marshal serializes a Snapshot to canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: unmarshal snapshot: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("wire: unsupported snapshot version %d", s.Version)
	}
	return &s, nil
}

// Digest returns the SHA-256 of the snapshot's canonical encoding.
func Digest(s *Snapshot) ([32]byte, error) {
	data, err := Marshal(s)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// MarshalSignature serializes a signature to canonical CBOR.
func MarshalSignature(sig *vm.Signature) ([]byte, error) {
	return encMode.Marshal(RecordSignature(sig))
}

// UnmarshalSignature decodes a signature and interns it in tt.
func UnmarshalSignature(tt *vm.TypeTable, data []byte) (*vm.Signature, error) {
	var rec SignatureRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("wire: unmarshal signature: %w", err)
	}
	if rec.Return == "" {
		return nil, fmt.Errorf("wire: signature record has no return type")
	}
	sig, err := rec.Resolve(tt)
	if err != nil {
		return nil, fmt.Errorf("wire: resolve %s: %w", rec.Descriptor(), err)
	}
	return sig, nil
}
