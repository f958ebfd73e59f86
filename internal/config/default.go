package config

// DefaultValues is read before the user's file; any key set there wins.
const DefaultValues = `
[Log]
Environment = "development"
Level = "info"
Outputs = ["stderr"]

[HTTP]
Addr = ":8080"
ReadTimeout = "15s"
WriteTimeout = "90s"
ShutdownTimeout = "10s"
AuthToken = ""
HMACSecret = ""
HMACClockSkew = "1m"

[Store]
# memory, sqlite or postgres
Driver = "sqlite"
SQLitePath = "./data/claims.db"
PostgresDSN = ""

[Lock]
# local or redis
Driver = "local"
RedisAddr = "localhost:6379"
RedisPassword = ""
RedisDB = 0
TTL = "2m"
Poll = "50ms"
Prefix = "bridgerelay:lock:"

[Signer]
PrivateKey = ""
KeystorePath = ""
KeystorePassword = ""

[Bridge]
TargetAddress = ""
RPCTimeout = "20s"
`
