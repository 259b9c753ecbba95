/*
Package api implements the corral control interface: HTTP/JSON served on a
Unix domain socket and, optionally, a TCP admin address.

# Architecture

	┌──────────── corral CLI / operator tooling ────────────┐
	│        pkg/client (HTTP over the Unix socket)          │
	└───────────────────────────┬────────────────────────────┘
	                            │ /run/corral/control.sock
	┌───────────────────────────▼────────────────────────────┐
	│                    api.Server (mux)                    │
	│   /v1/configs  /v1/active  /v1/groups  /v1/events      │
	│   /health  /ready  /metrics                            │
	└───────────────────────────┬────────────────────────────┘
	                            │
	┌───────────────────────────▼────────────────────────────┐
	│                 controlplane.ControlPlane               │
	└─────────────────────────────────────────────────────────┘

The API never touches workers or the router directly. Everything goes
through the control plane, which stays the only writer of the active
version.

# Endpoints

	POST /v1/configs[?apply=true]     submit a YAML or JSON document
	GET  /v1/configs                  list versions
	GET  /v1/configs/{version}        version status with live groups
	POST /v1/configs/{version}/apply  queue an apply (202)
	GET  /v1/active                   the active version
	GET  /v1/groups                   live process groups and workers
	GET  /v1/events                   newline-delimited JSON events

A submission answers 201 with the stored version, or 400 with every
validation problem:

	{
	  "code": 400,
	  "message": "invalid config: 2 problems: ...",
	  "problems": [
	    {"field": "routes[api].group", "message": "unknown group \"app\""},
	    {"field": "groups[web].replicas", "message": "must be between 0 and 256"}
	  ]
	}

Unknown versions answer 404 and a control plane that is shutting down
answers 503. Error.Unwrap maps these codes back to the types sentinels.

# Security

The socket is created with mode 0660; access control is filesystem
permissions. The TCP admin address is meant for loopback or a trusted
network and has no authentication of its own.
*/
package api
