// Package util holds small string helpers shared by the proxy packages.
package util
