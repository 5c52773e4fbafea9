// Package lorahrrelay documents the layout of this repository: firmware
// for a BLE-to-LoRa heart-rate repeater. codec implements the LoRa wire
// framing, config the persistent pairing/name-map store, radio the
// half-duplex transceiver state machine, scan the BLE central role, gatt
// the local configuration GATT server, and relay the orchestrator wiring
// them together. cmd/lora-hr-relay is the deployable binary; hw/sx126x is
// its concrete radio driver.
package lorahrrelay
