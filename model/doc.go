// Package model defines the provider-agnostic abstractions for talking to
// language models inside procmesh.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Keep request/response shapes minimal (system text plus turns)
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so oracles, dispatch strategies and sessions remain decoupled from
// vendor SDKs.
package model
