// Package storage keeps the small bits of bot state that are not category
// status: a journal of delivered draws and inbound message dedup keys.
//
// It also hosts the shared SQLite opener used by the other sqlite drivers.
package storage
