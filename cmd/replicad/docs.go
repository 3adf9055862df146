package main

// General API documentation for swaggo. Regenerate with
// `swag init -g cmd/replicad/docs.go`; serve with `-tags=swagger`.
//
// @title           replicad API
// @version         1.0
// @description     HTTP API for one replica of a deployment handler.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
