// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package mapper

// RuntimeMapper delegates to the host runtime's own tracked mapping
// primitive once one is available, so post-bootstrap mappings land on the
// runtime's tracked-code-areas list. Both MapFunc and UnmapFunc are nil
// until whoever owns that primitive sets them; the lifecycle driver does
// not set them and maps with whatever Mapper its Config holds. While they
// are nil RuntimeMapper falls back to its fallback Mapper (in practice a
// RawMapper) so there is never a window where mapping is unavailable.
type RuntimeMapper struct {
	MapFunc   func(path string) (*Mapping, error)
	UnmapFunc func(m *Mapping) error

	fallback Mapper
}

var _ Mapper = (*RuntimeMapper)(nil)

// NewRuntimeMapper returns a RuntimeMapper that falls back to fallback (in
// practice a RawMapper) until MapFunc/UnmapFunc are set.
func NewRuntimeMapper(fallback Mapper) *RuntimeMapper {
	return &RuntimeMapper{fallback: fallback}
}

func (r *RuntimeMapper) Map(path string) (*Mapping, error) {
	if r.MapFunc != nil {
		return r.MapFunc(path)
	}
	return r.fallback.Map(path)
}

func (r *RuntimeMapper) Unmap(m *Mapping) error {
	if r.UnmapFunc != nil {
		return r.UnmapFunc(m)
	}
	return r.fallback.Unmap(m)
}
