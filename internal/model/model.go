// Package model is the in-memory representation of a distributed
// derivation: an ordered list of (target, derivation-path) pairs plus
// per-target connection metadata. The on-disk format is XML, following the
// original coordinator's document format byte-for-byte rather than the
// build package's textproto convention — no library in the example corpus
// parses protobuf text format without codegen, and the distributed
// derivation's wire format is inherited from the original implementation,
// which read it with libxml2.
package model

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"sync"

	"github.com/paparodeo/disnix"
	"golang.org/x/xerrors"
)

// Target is a machine identity. It is immutable for the duration of one
// deployment run.
type Target struct {
	// Name is a stable identifier for the target, used in reporting.
	Name string
	// TargetProperty names the attribute in Properties that holds the
	// target's network address.
	TargetProperty string
	// ClientInterface is the executable name used to reach this target.
	ClientInterface string
	// Properties holds any number of additional free-form attributes,
	// including the one named by TargetProperty.
	Properties map[string]string
}

// Address returns the value of the attribute named by t.TargetProperty.
func (t Target) Address() (string, error) {
	v, ok := t.Properties[t.TargetProperty]
	if !ok {
		return "", xerrors.Errorf("target %q: target property %q not set", t.Name, t.TargetProperty)
	}
	return v, nil
}

// MappingEntry pairs one derivation with the target it must be realised
// and transferred to.
type MappingEntry struct {
	Derivation disnix.DerivationPath
	Target     Target
}

// DistributedDerivation is the parsed input document: an ordered sequence
// of mapping entries. Order is significant only for deterministic
// reporting.
type DistributedDerivation struct {
	Mapping []MappingEntry
}

// xmlDocument and friends mirror the on-disk schema:
//
//	<distributedderivation>
//	  <mapping>
//	    <derivation>/nix/store/aaa.drv</derivation>
//	    <target>
//	      <name>eu-west-1</name>
//	      <targetProperty>hostname</targetProperty>
//	      <clientInterface>disnix-ssh-client</clientInterface>
//	      <property name="hostname">10.0.0.1</property>
//	    </target>
//	  </mapping>
//	</distributedderivation>
type xmlDocument struct {
	XMLName xml.Name     `xml:"distributedderivation"`
	Mapping []xmlMapping `xml:"mapping"`
}

type xmlMapping struct {
	Derivation string    `xml:"derivation"`
	Target     xmlTarget `xml:"target"`
}

type xmlTarget struct {
	Name            string        `xml:"name"`
	TargetProperty  string        `xml:"targetProperty"`
	ClientInterface string        `xml:"clientInterface"`
	Properties      []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

var readBufPool = sync.Pool{
	New: func() interface{} { return &bytes.Buffer{} },
}

// ReadDistributedDerivationFile parses the distributed derivation document
// at path. The input document is consumed once; no schema version
// negotiation is performed.
func ReadDistributedDerivationFile(path string) (*DistributedDerivation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := readBufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer readBufPool.Put(b)
	if _, err := io.Copy(b, f); err != nil {
		return nil, err
	}

	var doc xmlDocument
	if err := xml.Unmarshal(b.Bytes(), &doc); err != nil {
		return nil, xerrors.Errorf("%s: malformed distributed derivation: %w", path, err)
	}

	dd := &DistributedDerivation{Mapping: make([]MappingEntry, len(doc.Mapping))}
	for i, m := range doc.Mapping {
		if m.Derivation == "" {
			return nil, xerrors.Errorf("%s: mapping entry %d: missing derivation path", path, i)
		}
		if m.Target.Name == "" {
			return nil, xerrors.Errorf("%s: mapping entry %d: missing target name", path, i)
		}
		props := make(map[string]string, len(m.Target.Properties))
		for _, p := range m.Target.Properties {
			props[p.Name] = p.Value
		}
		dd.Mapping[i] = MappingEntry{
			Derivation: disnix.DerivationPath(m.Derivation),
			Target: Target{
				Name:            m.Target.Name,
				TargetProperty:  m.Target.TargetProperty,
				ClientInterface: m.Target.ClientInterface,
				Properties:      props,
			},
		}
	}
	return dd, nil
}
