/*
Package cfile contains a columnar storage format which persists sequences
of uint32 values as trees of group-varint encoded leaf blocks, indexed by
one or more levels of sorted index blocks.

Data Structure Documentation

File

A file starts with a magic byte sequence, followed by the blocks of one or
more trees, a tree directory and a file footer.

    File layout:
    +---------------+---------+---------+---------+----------------+-------------+
    | magic (8 b.)  | block 1 |   ...   | block n | tree directory | file footer |
    +---------------+---------+---------+---------+----------------+-------------+

    File footer:
    +----------------------------------+------------------+
    | directory pointer (12 bytes)     |  magic (8 bytes) |
    +----------------------------------+------------------+

    Block pointer:
    +-------------------+-----------------+
    | offset (8 bytes)  | size (4 bytes)  |
    +-------------------+-----------------+

Tree directory

The directory is a protobuf wire-format message with one embedded
message (field 1) per tree:

    1: identifier (bytes)
    2: xxhash64 of identifier (fixed64)
    3: number of values (varint)
    4: number of index levels (varint)
    5: root block pointer (bytes)
    6: last leaf block pointer (bytes)

With zero index levels the root points directly to the tree's only leaf.

Leaf block

A leaf block is a series of group-varint groups, each holding four values.
A trailing partial group is padded with zeros, an empty block consists of a
single all-zero group. All leaves but the last hold a multiple of four
values, the valid number of values in the last group of the last leaf is
derived from the tree's number of values.

    Group:
    +---------------+-----------+-----------+-----------+-----------+
    | header (1 b.) |  value 1  |  value 2  |  value 3  |  value 4  |
    +---------------+-----------+-----------+-----------+-----------+

    Header (2 bits per value, value 1 in the most significant bits):
    +--------------+--------------+--------------+--------------+
    | width 1 - 1  | width 2 - 1  | width 3 - 1  | width 4 - 1  |
    +--------------+--------------+--------------+--------------+

Values are stored little-endian using the minimum number of bytes (1-4).

Index block

An index block holds the sorted keys and block pointers of its children in
two parallel fixed-stride arrays. The key of a leaf entry is the first value
of that leaf, the key of an index entry is the first key of the referenced
index block.

    Index block:
    +------------------+--------------------+-------------------+-----------------------+
    | count (4 bytes)  | key width (1 byte) | keys (count*kw)   | pointers (count*12)   |
    +------------------+--------------------+-------------------+-----------------------+

Searching an index block returns the entry with the greatest key less or
equal to the search key.
*/
package cfile
