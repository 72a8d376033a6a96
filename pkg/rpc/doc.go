// Package rpc exposes a bridge to dApps as JSON-RPC 2.0 over websocket.
//
// # Server
//
// WebsocketNode upgrades HTTP requests, binds each connection to the Origin
// header of its handshake and forwards every request to a Dispatcher
// (normally a *bridge.Bridge):
//
//	node, err := rpc.NewWebsocketNode(b, rpc.WebsocketNodeConfig{
//	    Logger:         logger,
//	    AllowedOrigins: []string{"https://app.example"},
//	})
//	router.Handle("/ws", node)
//
// Handshakes without an Origin header, or from an origin outside
// AllowedOrigins, are refused with 403.
//
// # Messages
//
// Requests follow JSON-RPC 2.0:
//
//	{"jsonrpc":"2.0","id":1,"method":"connect","params":{"network":"mainnet"}}
//
// A successful call is answered with a result and a failed one with an error
// whose code is the JSON-RPC code of the bridge error kind:
//
//	{"jsonrpc":"2.0","id":1,"result":{"isConnected":true,...}}
//	{"jsonrpc":"2.0","id":2,"error":{"code":-32003,"message":"...","data":{"kind":"USER_REJECTED"}}}
//
// Frames that are not JSON are answered with -32700 and a null id. Batches,
// a wrong jsonrpc member or a missing method get -32600. Requests without an
// id are executed but not answered.
//
// Bridge events are pushed as notifications to every connection of the
// origin owning the session:
//
//	{"jsonrpc":"2.0","method":"txChanged","params":{"status":"pending","commandId":"..."}}
//
// The method "ping" is answered by the node with the result "pong".
//
// # Client
//
// WebsocketDialer is the dApp side of the connection and Client wraps it
// with typed calls for every bridge method and typed event handlers.
package rpc
