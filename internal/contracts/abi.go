// Package contracts carries the ABIs the wallet binds against.
package contracts

// EthboxABI covers the box escrow methods the wallet calls.
const EthboxABI = `[
  {"type":"function","name":"create_box","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"recipient","type":"address"},
    {"name":"send_token","type":"address"},
    {"name":"send_value","type":"uint256"},
    {"name":"request_token","type":"address"},
    {"name":"request_value","type":"uint256"},
    {"name":"pass_hash_hash","type":"bytes32"},
    {"name":"timestamp","type":"uint32"}]},
  {"type":"function","name":"clear_box","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"index","type":"uint256"},
    {"name":"pass_hash","type":"bytes32"}]},
  {"type":"function","name":"get_boxes","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"tuple[]","components":[
      {"name":"index","type":"uint256"},
      {"name":"sender","type":"address"},
      {"name":"recipient","type":"address"},
      {"name":"send_token","type":"address"},
      {"name":"send_value","type":"uint256"},
      {"name":"request_token","type":"address"},
      {"name":"request_value","type":"uint256"},
      {"name":"pass_hash_hash","type":"bytes32"},
      {"name":"timestamp","type":"uint32"},
      {"name":"taken","type":"bool"},
      {"name":"canceled","type":"bool"}]}]}
]`

// TokenDispenserABI covers the test token faucet.
const TokenDispenserABI = `[
  {"type":"function","name":"give_token","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"amount","type":"uint256"},
    {"name":"token","type":"address"}]},
  {"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"token2","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"token3","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// ERC20ABI is the subset of ERC20 used for balances and approvals.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`
