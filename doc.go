// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2480 drives a Dallas/Maxim DS2480B-class 1-Wire serial line
// driver (as commercialized in the DS9097U adapter) over a host UART.
//
// It implements the DS2480B's command/data packet framing, the 1-Wire
// triplet search, speed and power-delivery primitives, and DS2409
// branch-coupler path navigation. The resulting Handle implements
// periph.io/x/conn/v3/onewire.BusCloser, so any existing periph.io 1-Wire
// device container can sit on top of it unmodified.
package ds2480
