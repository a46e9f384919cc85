// Package catalog defines the core types shared by the fetch engine, the
// upstream search client and the persistence writers.
package catalog
