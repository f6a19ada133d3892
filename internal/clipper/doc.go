// Package clipper defines the shared domain types, collaborator interfaces and
// error taxonomy of the acquisition orchestrator. Subpackages depend on these
// definitions rather than on each other so each stage can be tested with fakes.
package clipper
