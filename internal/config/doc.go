// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation, so secrets such as auth.consumer_secret or
// archive.database.password can stay out of the file.
package config
