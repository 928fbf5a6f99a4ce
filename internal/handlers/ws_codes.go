package handlers

// Custom WebSocket close codes used by the multiplayer hub endpoint.
const (
	BadSubprotocolError   = 3000 // Client connected without the multiplayer subprotocol.
	InvalidAuthTokenError = 3001 // access_token missing, invalid or expired.
	InvalidUserIDError    = 3002 // Token subject is not a usable user id.
)
