// Package authz decides whether an authenticated consumer may call a
// matched route.
//
// Checks run in a fixed order and the first failure wins:
//
//  1. the consumer must be active (E9501)
//  2. the requested tenant must equal the consumer's tenant (E9502)
//  3. the consumer's scopes must cover the route's required scopes (E9503)
//  4. the consumer's highest role must meet the route's minimum role (E9504)
//  5. the route's attribute policy, if any, must allow the request (E9505)
//
// Attribute policies are evaluated by one of three engines:
//
//   - "cel": a boolean CEL expression over subject, request, resource,
//     action, environment and now
//   - "rego": an embedded Rego module queried in-process
//   - "http": an external OPA compatible decision endpoint
//
// Every evaluator fails secure. A compile error, evaluation error, non-boolean
// result or unreachable decision endpoint denies the request.
package authz
