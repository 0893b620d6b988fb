/*
Package kvtable implements tables of records with secondary indexes on top of
an ordered key-value store (Bolt, Pebble, or memory).

We implement:

1. Tables, collections of records addressed by generated, time-ordered IDs
(see package keygen). A record is a map of field values plus its ID and
creation time.

2. Secondary indexes on any field, declared at runtime. Declaring an index
indexes all existing records before returning; afterwards every create,
update and delete keeps the index in sync within the same transaction.

3. Lookups by indexed field value, returning the first or all matching
records.

# Technical Details

**Buckets.**
Each table owns three sub-buckets: "data" (records), "idefs" (index
definitions) and "idx" (index entries). Bolt supports nested buckets natively;
on Pebble a bucket is a key prefix "table\x00sub\x00".

**Records.**
Key: the ID text. Value: value header, then msgpack of the fields map with
sorted keys. Value header: flags (uvarint), mod count (uvarint), creation time
in Unix nanoseconds (varint). The xxhash64 of the value is the record's
version, used for optimistic concurrency.

**Index definitions.**
Key: field name. Value: msgpack {field, built, declared_at}. A definition with
built = false has an incomplete backfill, which is resumed on open.

**Index entries.**
Key: frame(field) frame(value) id, where frame(x) is uvarint(len(x)) followed
by x. Value: id. Values are encoded in a canonical msgpack form, so numerically
equal integers of different Go types share entries. Nil, empty strings and
empty byte strings are not indexed.

**Consistency.**
A record and its index entries are always written in one transaction, so
entries never point to records that do not hold the indexed value, unless
the store was modified externally. Lookups skip such dangling entries;
Reap and Options.ReapDangling remove them.
*/
package kvtable
