// Package lifecycle seeds and prunes cache generations.
//
// Install fetches the whole manifest from the origin and replaces the current
// generation with it in one batch; a single failed fetch aborts the install and
// leaves the store untouched. Activate removes every generation other than the
// current one.
package lifecycle
