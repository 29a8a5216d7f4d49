// Package provider contains the builtin check providers: log, script,
// command, http, and ai. Each implements engine.Provider and is wired
// into a registry by the caller:
//
//	registry := engine.NewRegistry()
//	registry.Register("log", provider.NewLog(nil))
//	registry.Register("script", provider.NewScript())
//	registry.Register("command", provider.NewCommand())
//	registry.Register("http", provider.NewHTTP(nil))
//	registry.Register("ai", provider.NewAI(chatModel))
package provider
