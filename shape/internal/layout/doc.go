// Package layout computes sizes, alignments and offsets for shapes.
//
// Records use sequential C-like layout: each member is placed at the next offset
// aligned to its own alignment, and the total size is rounded up to the largest
// member alignment. Tagged unions (option, result, enum) put the tag first and
// their payloads after it.
//
// This package is internal to the shape package.
package layout
