// Package discovery enumerates the running applications whose audio
// can be tapped. The Provider seam keeps platform process enumeration
// out of the routing layer; StaticProvider serves fixtures in tests.
package discovery
