// Package landmark builds landmark sets and projects vectors onto them.
//
// A landmark set is a handful of reference vectors chosen from a model's
// embedding population by greedy farthest-point selection. Projecting a
// vector means measuring its distance to every landmark, which turns a
// vector of hundreds of dimensions into a point of three to five that a
// spatial tree can index.
//
// Sets are immutable once built. The Registry publishes the active set of
// each model through an atomic pointer, so a rotation replaces the set
// wholesale and concurrent projections never observe a partial update.
package landmark
