// Package vfs adapts the block-device interface in pkg/engine to the
// page-oriented interface an upstream SQL engine's VFS layer expects:
// xOpen, xRead, xWrite, xTruncate, xSync, xFileSize, xLock, xUnlock,
// xClose. A block id is the page number derived directly from byte
// offset (offset/BlockSize + 1); this package never asks
// engine.Storage for the next free id, since a page number is chosen by
// the caller, not handed out by a counter.
package vfs
