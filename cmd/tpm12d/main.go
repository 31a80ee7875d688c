// Command tpm12d serves software TPM 1.2 instances over the TPM simulator
// TCP protocol.
package main

func main() {
	Execute()
}
