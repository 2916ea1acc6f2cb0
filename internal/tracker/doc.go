// Package tracker defines the job record and the small interfaces shared by
// the registry, the update channel, and the controller.
package tracker
