// Package tenant resolves tenant slugs to tenants.
//
// Tenants are provisioned outside the gateway; the core only reads them.
// Every session, execution and schedule operation carries an explicit tenant
// ID obtained through a Resolver.
package tenant
