// Package serialization saves and restores trained parameters.
//
// Checkpoints use the .born v2 container:
//
//	[0x00: Magic "BORN"]
//	[0x04: Version (uint32 LE) = 2]
//	[0x08: Flags (uint32 LE)]
//	[0x10: Header size (uint64 LE)]
//	[0x18: Data size (uint64 LE)]
//	[0x20: SHA-256 of the data section (32 bytes)]
//	[0x40: JSON header]
//	[tensor data, 64-byte aligned]
//
// Backbone bundles store their weights as safetensors, written by
// WriteSafeTensors and read back by the loader package.
package serialization
