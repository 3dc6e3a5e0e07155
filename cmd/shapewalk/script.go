package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/partial/builder"
)

// script is a shapewalk TOML file:
//
//	shape = "point"
//	ops = ["field X", "set 3", "end", "field Y", "set 4", "end"]
//
//	[options]
//	staging = "rope"
//	rope_chunk = 4
type script struct {
	Shape   string        `toml:"shape"`
	Ops     []string      `toml:"ops"`
	Options scriptOptions `toml:"options"`
}

type scriptOptions struct {
	Staging   string `toml:"staging"`
	RopeChunk uint32 `toml:"rope_chunk"`
	MaxDepth  int    `toml:"max_depth"`
}

func loadScript(path string) (*script, error) {
	var s script
	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if s.Shape == "" {
		return nil, fmt.Errorf("%s: missing shape", path)
	}
	return &s, nil
}

func (o scriptOptions) builderOptions() ([]builder.Option, error) {
	var opts []builder.Option
	switch o.Staging {
	case "", "auto":
	case "rope":
		opts = append(opts, builder.WithListStaging(builder.ListStagingRope))
	default:
		return nil, fmt.Errorf("unknown staging %q (want auto or rope)", o.Staging)
	}
	if o.RopeChunk > 0 {
		opts = append(opts, builder.WithRopeChunkCapacity(o.RopeChunk))
	}
	if o.MaxDepth > 0 {
		opts = append(opts, builder.WithMaxDepth(o.MaxDepth))
	}
	return opts, nil
}
