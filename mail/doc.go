// Package mail defines the outbound email collaborator interface and a
// retrying decorator. Templates and transport are out of scope: the
// engine composes subject and body, the integrator supplies delivery.
package mail
