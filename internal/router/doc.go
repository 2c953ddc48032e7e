// Package router matches requests to route definitions and selects one
// healthy backend target per request.
//
// Route patterns are globs compiled to anchored regular expressions:
//
//	{name}  one path segment, captured as a path parameter
//	*       any characters within a segment
//	**      any characters, including '/'
//
// Routes are evaluated in registration order and the first match wins.
package router
