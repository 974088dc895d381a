// Package policy decides which collections a privacy request touches and how
// their fields are masked.
//
// A Policy is a set of rules keyed by action. Rules name data categories; a
// collection is relevant to an action when one of its fields carries a
// category the rules target. Operators can layer Rego modules on top through
// RegoFilter, which is evaluated with an embedded OPA instance and can exclude
// graph nodes from a traversal.
package policy
