// Package app turns a loaded config.Config into the component configs and
// collaborators the commands wire together.
package app
