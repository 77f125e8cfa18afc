// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package version keeps the version number of the client package.
package version

// Version is the version of this client package that is communicated to the server.
const Version = "0.1.0"

// SKU identifies this library to the token endpoint.
const SKU = "MSAL.Go.Cache"
