// Package httpapi exposes the authorization core over HTTP for the helpdesk
// admin UI and sibling services. Identity comes from the X-Actor-ID header
// installed by the upstream authentication layer; every decision is made
// by the rbac, emergency and threat packages, so handlers only translate
// JSON and map domain errors onto status codes:
//
//	validation  400    authorization  403    not found  404
//	conflict    409    expired        410    throttled  429
package httpapi
