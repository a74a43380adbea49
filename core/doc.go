// Package core contains the provisioning domain model, collaborator contracts
// and shared plumbing. Engines and adapters depend on this package; core must
// not depend on connector or storage implementations.
package core
