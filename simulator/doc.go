// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package simulator provides an in-process provisioning service and messaging hub

It serves the exact wire surface the device client speaks: the registration
handshake with proof-of-possession verification, telemetry intake, two-phase
artifact uploads with presigned URLs, the device twin with requested and
reported configuration, and a websocket channel that pushes configuration
changes to connected devices.

Everything is held in memory. The simulator backs the integration tests and
doubles as a standalone development backend, see services/simulator.
*/
package simulator
