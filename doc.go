/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# Nexus: a mirrored volume that remembers which replicas to trust

## What does it keep?

A nexus presents one logical volume over N children. Every child carries a
copy of the nexus metadata in a reserved region, so a nexus reopened after a
crash can tell the children it may trust from the ones it may not.

## Device Layout

* block 0, protective MBR; block 1, primary GPT header; then the GPT entries

* 1 MiB, the metadata region (4 MiB)

* 5 MiB, user data up to the GPT entry copy and the secondary header at the tail

The layout is computed from the block length and never persisted.

## Metadata

* Envelope, header + payload + an identical copy of the header; the header
  carries magic, version, total length, payload offset/length and an xxhash64
  of the payload

* Payload, a versioned nexus record: timestamp, state, identity, requested
  size and one record per child

* State, open/closed/faulted/dirty; a copy observed dirty witnesses an unclean
  shutdown

## Quorum

On open, every child's copy is read, copies of other nexuses are dropped and
the newest one wins. Children that copy does not record as open are closed.
Every later state change writes a fresh snapshot to each healthy child, one
child after the other.

## Persistent store

The clean shutdown flag and per-child health are mirrored into rocksdb, keyed
by nexus uuid. A put that fails is retried until it is accepted.

## Building Blocks

* Rocksdb
* Protobuf wire format
* xxhash
* Prometheus

*/

package nexus
