package testutil

// TestSigningKey is 32 bytes of HMAC key material for tests only.
const TestSigningKey = "test-signing-key-1234567890123456"

// TestRoutingID is a canonical v4 routing identifier used across tests.
const TestRoutingID = "44f56e01-7167-42c1-88ee-64b566fbc34d"
