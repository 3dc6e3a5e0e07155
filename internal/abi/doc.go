// Package abi holds small arithmetic and validation helpers shared by the
// shape, transcoder and builder packages.
//
// This package is internal to the module.
package abi
