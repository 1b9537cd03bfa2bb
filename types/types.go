// Package types is a super-package that contains the library code shared by the rpc engine, ez and the binaries.
// Such as transports, wire helpers, dial options, sturdy references, and metrics.
//
// This package exists to avoid import cycles, and to clean up all misc/"leaf" functions and types into one hierarchy.
//
// As a general rule to avoid import cycles inside this package:
//   - Only import parent packages, don't import child packages
//   - Importing from a "sibling" package (up the tree) is allowed.
package types
