// Copyright 2024 The xoz Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"github.com/xozfmt/xoz/pkg/xoz/catalog"
	"github.com/xozfmt/xoz/pkg/xoz/query"
	"github.com/xozfmt/xoz/pkg/xoz/segment"
)

// segmentFromEntry rebuilds the *segment.Segment shape Dealloc needs
// (Extents and InlineSz, the only fields it reads) from a catalog Entry.
func segmentFromEntry(e catalog.Entry) *segment.Segment {
	segm := segment.New()
	for _, ext := range e.Extents {
		segm.AddExtent(ext)
	}
	segm.InlineSz = e.InlineSz
	return segm
}

// catalogDialect exposes catalog.Entry's fields to pkg/xoz/query for the
// `list --where` filter.
func catalogDialect() query.Dialect[catalog.Entry] {
	return query.Dialect[catalog.Entry]{
		"id":        {Type: query.FieldString, Get: func(e catalog.Entry) any { return e.ID }},
		"tag":       {Type: query.FieldString, Get: func(e catalog.Entry) any { return e.Tag }},
		"inlineSz":  {Type: query.FieldNumber, Get: func(e catalog.Entry) any { return float64(e.InlineSz) }},
		"createdAt": {Type: query.FieldTime, Get: func(e catalog.Entry) any { return e.CreatedAt }},
		"updatedAt": {Type: query.FieldTime, Get: func(e catalog.Entry) any { return e.UpdatedAt }},
	}
}
