// Package domain defines the core business types of the privacy request engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Datasets, collections and field references describe the data
// map; PrivacyRequest and RequestTask describe the durable execution state that the
// engine, scheduler and storage packages operate on.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
